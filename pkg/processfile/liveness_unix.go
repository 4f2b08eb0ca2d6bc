//go:build !windows

package processfile

import (
	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

// IsProcessRunning checks pid with signal 0. EPERM means the process exists
// but belongs to someone else.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, errors.NewProcessError("failed to check process", err).WithContext("pid", pid)
	}
}

// The assistant leads its own process group, so the group is signalled first
func signalTerminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func signalKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, signal unix.Signal) error {
	err := unix.Kill(-pid, signal)
	if err == unix.ESRCH {
		err = unix.Kill(pid, signal)
	}
	if err == unix.ESRCH {
		return nil
	}
	return err
}
