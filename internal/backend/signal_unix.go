//go:build unix

package backend

import (
	"errors"
	"syscall"
)

// signalGroup signals every process in the group led by pid. A group
// that no longer exists counts as already stopped.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
