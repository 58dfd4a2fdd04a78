//go:build windows

package state

import "golang.org/x/sys/windows"

// lockExclusive blocks until the first byte of fd is locked with LockFileEx,
// which gives the same cross-process exclusion as flock on Unix.
func lockExclusive(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

func unlockFile(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
