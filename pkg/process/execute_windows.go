//go:build windows

package process

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

// ctrlBreakTimeout bounds GenerateConsoleCtrlEvent, which can hang when the
// console is being torn down
const ctrlBreakTimeout = 2 * time.Second

// Console control events are process-wide; concurrent ones race each other
var consoleOperationLock sync.Mutex

// setupProcessAttributes isolates the child in a new process group so
// console control events aimed at it do not reach the host.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// sendTerminationSignal sends CTRL_BREAK to the child's process group, whose
// ID is the child PID. The supervisor kills the process if it is still
// alive after the grace window.
func sendTerminationSignal(proc *os.Process) error {
	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(proc.Pid))
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.NewProcessError("failed to send Ctrl+Break", err).WithContext("pid", proc.Pid)
		}
		return nil
	case <-time.After(ctrlBreakTimeout):
		return errors.NewTimeoutError("timed out sending Ctrl+Break", nil).
			WithContext("pid", proc.Pid).
			WithContext("timeout", ctrlBreakTimeout.String())
	}
}

func exitStatusFromState(state *os.ProcessState) ExitStatus {
	return ExitStatus{Code: state.ExitCode()}
}
