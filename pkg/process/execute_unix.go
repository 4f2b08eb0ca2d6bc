//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setupProcessAttributes puts the child into its own process group so a
// termination signal reaches the whole tree the assistant may have spawned.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// sendTerminationSignal sends SIGTERM to the process group (negative PID)
func sendTerminationSignal(proc *os.Process) error {
	err := unix.Kill(-proc.Pid, unix.SIGTERM)
	if err == unix.ESRCH {
		// Group already gone, fall back to the leader itself
		return proc.Signal(unix.SIGTERM)
	}
	return err
}

func exitStatusFromState(state *os.ProcessState) ExitStatus {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}
