//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

// gracefulSignals returns os.Interrupt only; Windows has no SIGTERM.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// reloadSignals is empty on Windows. The overrides file is still re-read
// on the refresh interval.
func reloadSignals() []os.Signal {
	return nil
}

func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == stillActive
}

// sendGracefulStop calls TerminateProcess; there is no softer option for a
// process without a console.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
