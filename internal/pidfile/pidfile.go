// Package pidfile persists the managed server's PID as plain decimal text.
// Absence of the file means "not tracked". Malformed content is treated as
// a torn or corrupted write and is cleared on read, so downstream callers
// never see the same bad record twice.
package pidfile

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// MaxPID is the largest PID accepted from a stored record. Matches the
// default kernel ceiling on 64-bit Linux; anything above it is garbage.
const MaxPID = 4194304

// Registry reads and writes a single PID file.
type Registry struct {
	path string
}

func New(path string) Registry { return Registry{path: path} }

func (r Registry) Path() string { return r.path }

// Save persists pid. It refuses PIDs that do not refer to a currently
// existing OS process so a bad record can never be written.
func (r Registry) Save(pid int) error {
	if pid <= 0 {
		return &InvalidPIDError{PID: pid, Reason: "not a positive integer"}
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return err
	}
	if !exists {
		return &InvalidPIDError{PID: pid, Reason: "no such process"}
	}
	return os.WriteFile(r.path, []byte(strconv.Itoa(pid)), 0o600)
}

// Load returns the stored PID, or ok=false when no valid record exists.
// Non-numeric or out-of-range content self-heals: the file is cleared and
// ok=false returned, never an error.
func (r Registry) Load() (pid int, ok bool) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return 0, false
	}
	text := strings.TrimSpace(string(b))
	n, err := strconv.Atoi(text)
	if err != nil || n <= 0 || n > MaxPID {
		_ = r.Clear()
		return 0, false
	}
	return n, true
}

// Clear removes the PID file. Removing an absent file is a success.
func (r Registry) Clear() error {
	err := os.Remove(r.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// InvalidPIDError reports a Save attempt with a PID that cannot be tracked.
type InvalidPIDError struct {
	PID    int
	Reason string
}

func (e *InvalidPIDError) Error() string {
	return "invalid pid " + strconv.Itoa(e.PID) + ": " + e.Reason
}
