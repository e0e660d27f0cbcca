package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newRegistry(t *testing.T) Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "craft.pid"))
}

func TestSaveAndLoadOwnPID(t *testing.T) {
	r := newRegistry(t)
	if err := r.Save(os.Getpid()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pid, ok := r.Load()
	if !ok || pid != os.Getpid() {
		t.Fatalf("Load = (%d, %v), want (%d, true)", pid, ok, os.Getpid())
	}
}

func TestSaveRejectsNonexistentProcess(t *testing.T) {
	r := newRegistry(t)
	err := r.Save(4194000)
	var ipe *InvalidPIDError
	if !errors.As(err, &ipe) {
		t.Fatalf("Save of dead pid: err = %v, want InvalidPIDError", err)
	}
	if _, statErr := os.Stat(r.Path()); !os.IsNotExist(statErr) {
		t.Fatalf("failed Save must not write the pid file")
	}
}

func TestSaveRejectsNonPositive(t *testing.T) {
	r := newRegistry(t)
	for _, pid := range []int{0, -1} {
		var ipe *InvalidPIDError
		if err := r.Save(pid); !errors.As(err, &ipe) {
			t.Fatalf("Save(%d) = %v, want InvalidPIDError", pid, err)
		}
	}
}

func TestLoadSelfHealsMalformedContent(t *testing.T) {
	cases := []string{"garbage", "-5", "0", "99999999999", "12.5", ""}
	for _, content := range cases {
		r := newRegistry(t)
		if err := os.WriteFile(r.Path(), []byte(content), 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}
		pid, ok := r.Load()
		if ok || pid != 0 {
			t.Fatalf("Load(%q) = (%d, %v), want (0, false)", content, pid, ok)
		}
		if _, err := os.Stat(r.Path()); !os.IsNotExist(err) {
			t.Fatalf("Load(%q) should have cleared the file", content)
		}
	}
}

func TestLoadAcceptsSurroundingWhitespace(t *testing.T) {
	r := newRegistry(t)
	if err := os.WriteFile(r.Path(), []byte(" 1234\n"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pid, ok := r.Load()
	if !ok || pid != 1234 {
		t.Fatalf("Load = (%d, %v), want (1234, true)", pid, ok)
	}
}

func TestLoadMissingFileMeansNotTracked(t *testing.T) {
	r := newRegistry(t)
	if pid, ok := r.Load(); ok || pid != 0 {
		t.Fatalf("Load on missing file = (%d, %v), want (0, false)", pid, ok)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	if err := r.Save(os.Getpid()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear on absent file: %v", err)
	}
}
