//go:build !windows

package control

import (
	"os/exec"
	"syscall"
)

func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// setSysProcAttr places the child in its own process group so that
// signals aimed at craftd do not propagate to the server.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
