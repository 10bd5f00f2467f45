package process

import (
	"sync"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
)

var (
	managerInitOnce sync.Once
	managerInitErr  error
)

func initChildProcessManager() error {
	managerInitOnce.Do(func() {
		managerInitErr = child_process_manager.InitializeChildProcessManager()
	})
	return managerInitErr
}

// DisposeChildProcessManager kills the child processes that are still
// tracked. Hosts call it right before exiting.
func DisposeChildProcessManager() {
	child_process_manager.DisposeChildProcessManager()
}
