//go:build windows

package broker

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
