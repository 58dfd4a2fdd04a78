//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals are the signals that shut the server down: SIGINT and SIGTERM.
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals force an immediate re-read of the overrides file.
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}

// processIsAlive probes the process with signal 0.
func processIsAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
