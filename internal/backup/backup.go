// Package backup provides the default pre-restart snapshot hook: an
// operator-configured shell command run with a bounded timeout.
package backup

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// DefaultTimeout bounds a snapshot run. World saves can be large, but a
// hung backup must never hold up a crash restart forever.
const DefaultTimeout = 10 * time.Minute

// CommandSnapshotter runs a configured command for each snapshot. The
// label is passed in the CRAFTD_SNAPSHOT_LABEL environment variable.
type CommandSnapshotter struct {
	command string
	dir     string
	timeout time.Duration
	log     *slog.Logger
}

func NewCommandSnapshotter(command, dir string, timeout time.Duration, log *slog.Logger) *CommandSnapshotter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &CommandSnapshotter{command: command, dir: dir, timeout: timeout, log: log}
}

// CreateSnapshot runs the command and reports success. Failures are
// logged, never escalated; the caller restarts regardless.
func (s *CommandSnapshotter) CreateSnapshot(label string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var cmd *exec.Cmd
	// #nosec G204 -- the command comes from the operator's own config
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", s.command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	}
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), "CRAFTD_SNAPSHOT_LABEL="+label)

	out, err := cmd.CombinedOutput()
	if err != nil {
		s.log.Warn("snapshot command failed", "label", label, "error", err,
			"output", string(bytes.TrimSpace(out)))
		return false
	}
	s.log.Info("snapshot created", "label", label)
	return true
}
