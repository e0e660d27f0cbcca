package control

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when a managed server is
	// already up (directly held or adopted).
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrLockUnavailable means another craftd instance holds the
	// working-directory lock. Start does not retry on it.
	ErrLockUnavailable = errors.New("another instance holds the server lock")

	// ErrNotRunning is returned by operations that need a live server.
	ErrNotRunning = errors.New("server is not running")

	// ErrEmptyCommand rejects blank console commands.
	ErrEmptyCommand = errors.New("empty command")

	// ErrAdoptedNoInput signals that the handle was adopted from the
	// process table and has no stdin attached, so commands cannot be
	// delivered. This is a capability limit, not an I/O failure.
	ErrAdoptedNoInput = errors.New("server was adopted, not started by craftd: no command channel")

	// ErrExitedDuringStartup means the child died before it was ready.
	ErrExitedDuringStartup = errors.New("server exited during startup")
)

// StartupTimeoutError reports that the readiness wait elapsed. Start has
// already cleaned up (kill attempt, PID cleared, lock released) when this
// is returned.
type StartupTimeoutError struct {
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("server startup timed out after %s", e.Timeout)
}

// BrokenPipeError wraps a write failure caused by the child's stdin
// closing underneath us. Callers treat it as "the server likely crashed"
// rather than a generic I/O error.
type BrokenPipeError struct {
	Err error
}

func (e *BrokenPipeError) Error() string {
	return "command pipe broken (server may have crashed): " + e.Err.Error()
}

func (e *BrokenPipeError) Unwrap() error { return e.Err }

// IsBrokenPipe reports whether err is a broken command pipe.
func IsBrokenPipe(err error) bool {
	var bpe *BrokenPipeError
	return errors.As(err, &bpe)
}
