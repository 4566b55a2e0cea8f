//go:build windows

package pbs

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func terminateProcessGroup(cmd *exec.Cmd) error {
	return killProcessGroup(cmd)
}
