package main

import (
	"fmt"
	"os"

	"github.com/coder/gallatin/cli"
)

func main() {
	var root cli.RootCmd
	err := root.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
