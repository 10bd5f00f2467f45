//go:build !windows
// +build !windows

package process

import (
	"os"
	"syscall"
)

// terminate lets the recorder finalize the file before exiting.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
