//go:build windows
// +build windows

package process

import (
	"os"
)

func terminate(p *os.Process) error {
	return p.Kill()
}
