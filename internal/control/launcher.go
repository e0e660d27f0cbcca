package control

import (
	"os"
	"os/exec"
	"strings"
)

// Launcher produces the command that starts the server. The controller
// owns everything after that: pipes, PID persistence, readiness and
// cleanup. A custom Launcher can inject memory flags, JVM tuning or a
// wrapper script without touching lifecycle logic.
type Launcher interface {
	BuildCommand() (*exec.Cmd, error)
}

// CommandLauncher launches a configured command line from a working
// directory. It avoids invoking a shell when not necessary; when the
// command contains obvious shell metacharacters it falls back to
// /bin/sh -c.
type CommandLauncher struct {
	Command string
	Dir     string
	Env     []string
}

func (l CommandLauncher) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(l.Command)
	if cmdStr == "" {
		return nil, ErrEmptyCommand
	}
	var cmd *exec.Cmd
	// #nosec G204 -- the command comes from the operator's own config
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		cmd = shellCommand(cmdStr)
	} else {
		parts := strings.Fields(cmdStr)
		cmd = exec.Command(parts[0], parts[1:]...)
	}
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	return cmd, nil
}
