//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolateProcess puts the worker in its own process group so a kill
// reaches it and anything it started. Negative PID means the whole group.
func isolateProcess(cmd *exec.Cmd, onKill func()) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		onKill()
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
