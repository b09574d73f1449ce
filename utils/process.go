package utils

import (
	"errors"
	"syscall"
)

// IsProcessAlive reports whether pid exists. kill(pid, 0) sends nothing;
// EPERM still means the process is there.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SignalGroup delivers sig to the process group led by pid. A group that is
// already gone is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
