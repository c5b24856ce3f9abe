//go:build windows

package worker

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// terminateProcess has no graceful variant on Windows.
func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
