//go:build unix

package agent

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in a process group of its own, which every
// process the command starts inherits.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the shell and everything it started. A group that
// has already exited is not an error.
func killProcessGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
