//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// StopSignals end a running proxy gracefully.
var StopSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
	syscall.SIGHUP,
}
