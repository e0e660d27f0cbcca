// Package lock provides a cross-process exclusive lock for a server
// working directory. At most one craftd instance may hold the lock for a
// given lock file at a time; the lock file body carries the holder's PID
// as decimal text for diagnostics (the OS lock is authoritative).
package lock

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// FileLock is an advisory exclusive lock backed by a file.
// The zero value is not usable; construct with New.
type FileLock struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func New(path string) *FileLock { return &FileLock{path: path} }

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Held reports whether this instance currently holds the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}

// Acquire attempts to take the exclusive lock without blocking. It returns
// (false, nil) when another live instance holds it. Before the attempt,
// a stale lock file left behind by a killed instance (recorded PID no
// longer exists) is reclaimed so it cannot block future runs forever.
func (l *FileLock) Acquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return true, nil
	}

	l.reclaimStale()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	ok, err := tryLock(f)
	if err != nil || !ok {
		_ = f.Close()
		return false, err
	}

	// Record our PID for diagnosability. The lock, not the body, decides
	// ownership, so write errors are not fatal.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
		_ = f.Sync()
	}

	l.f = f
	return true, nil
}

// Release drops the lock and removes the lock file. It is idempotent and
// a no-op when the lock was never acquired.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := unlock(l.f)
	_ = l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	return err
}

// reclaimStale deletes the lock file when its recorded holder no longer
// exists, or when its content is unreadable.
func (l *FileLock) reclaimStale() {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	body := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(body)
	if err != nil || pid <= 0 {
		_ = os.Remove(l.path)
		return
	}
	exists, err := process.PidExists(int32(pid))
	if err == nil && !exists {
		_ = os.Remove(l.path)
	}
}
