//go:build windows

package control

import (
	"os/exec"
	"syscall"
)

func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}

func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
