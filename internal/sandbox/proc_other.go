//go:build !unix

package sandbox

import "os/exec"

func isolateProcess(cmd *exec.Cmd, onKill func()) {
	cmd.Cancel = func() error {
		onKill()
		return cmd.Process.Kill()
	}
}
