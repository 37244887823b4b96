// Package cli implements the gallatin command line.
package cli

import (
	"github.com/coder/serpent"
	"github.com/spf13/afero"
)

// RootCmd holds what every subcommand shares.
type RootCmd struct {
	// Fs reads configuration files. Nil means the OS filesystem.
	Fs afero.Fs
}

func (r *RootCmd) Command() *serpent.Command {
	return &serpent.Command{
		Use:   "gallatin",
		Short: "A filtering HTTP and HTTPS forward proxy.",
		Children: []*serpent.Command{
			r.server(),
			r.version(),
		},
	}
}

func (r *RootCmd) fs() afero.Fs {
	if r.Fs == nil {
		return afero.NewOsFs()
	}
	return r.Fs
}
