//go:build !windows

package craftd

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/pidfile"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Name:      "mc",
		ServerDir: dir,
		Command:   "sleep 30",
		Timeouts: config.Timeouts{
			StartupGrace: 200 * time.Millisecond,
			Stop:         2 * time.Second,
			Kill:         2 * time.Second,
		},
		History: config.HistoryConfig{DSN: filepath.Join(dir, "events.db")},
	}
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Stop(true)
		_ = m.Close()
	})
	return m
}

func TestManagerLifecycle(t *testing.T) {
	m := testManager(t)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("server should be running")
	}

	if _, err := m.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	st := m.Status()
	if !st.Server.Running || st.Server.Handle != "direct" {
		t.Fatalf("unexpected server status: %+v", st.Server)
	}
	if st.Latest == nil || st.Latest.MemoryMB <= 0 {
		t.Fatalf("expected a resource sample in status: %+v", st.Latest)
	}
	if st.UptimeSeconds < 0 {
		t.Fatalf("negative uptime: %f", st.UptimeSeconds)
	}
	if st.Health.Score == 0 {
		t.Fatalf("running healthy server should not score zero: %+v", st.Health)
	}

	if err := m.Stop(true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning() {
		t.Fatal("server should be stopped")
	}

	events, err := m.RecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected start and stop events, got %d", len(events))
	}
	kinds := map[string]bool{}
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	if !kinds[history.KindStart] || !kinds[history.KindStop] {
		t.Fatalf("missing lifecycle events: %v", kinds)
	}
}

func TestManagerHealthWhenStopped(t *testing.T) {
	m := testManager(t)
	h := m.Health()
	if h.Score != 0 || h.Rating != "critical" {
		t.Fatalf("stopped server should be critical, got %+v", h)
	}
}

func TestManagerRecordsAdoption(t *testing.T) {
	m := testManager(t)

	orphan := exec.Command("sleep", "30")
	if err := orphan.Start(); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	defer func() {
		_ = orphan.Process.Kill()
		_, _ = orphan.Process.Wait()
	}()
	if err := pidfile.New(filepath.Join(m.cfg.ServerDir, ".craftd.pid")).Save(orphan.Process.Pid); err != nil {
		t.Fatalf("seed pid record: %v", err)
	}

	if !m.IsRunning() {
		t.Fatal("manager should adopt the recorded live pid")
	}
	events, err := m.RecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Kind == history.KindAdopt && ev.PID == orphan.Process.Pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an adopt event, got %+v", events)
	}
}

func TestManagerConsoleTail(t *testing.T) {
	m := testManager(t)
	if _, err := m.ConsoleTail(10); err == nil {
		t.Fatal("tail without console logging configured should error")
	}

	dir := t.TempDir()
	cfg := &config.Config{
		Name:      "mc",
		ServerDir: dir,
		Command:   "sh -c 'echo hello from server; sleep 30'",
		Timeouts: config.Timeouts{
			StartupGrace: 200 * time.Millisecond,
			Stop:         2 * time.Second,
			Kill:         2 * time.Second,
		},
		Log: logger.Config{Dir: dir},
	}
	m2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = m2.Stop(true)
		_ = m2.Close()
	})

	if lines, err := m2.ConsoleTail(10); err != nil || lines != nil {
		t.Fatalf("tail before any output = %v, %v", lines, err)
	}

	if err := m2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		lines, err := m2.ConsoleTail(10)
		if err != nil {
			t.Fatalf("ConsoleTail: %v", err)
		}
		if len(lines) > 0 && lines[len(lines)-1] == "hello from server" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("console output never appeared, got %v", lines)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestManagerRestart(t *testing.T) {
	m := testManager(t)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := m.Status().Server.PID
	if err := m.Restart(true); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	after := m.Status().Server.PID
	if after == 0 || after == before {
		t.Fatalf("restart should produce a new pid: before=%d after=%d", before, after)
	}
}

type countingSnapshotter struct {
	mu sync.Mutex
	n  int
}

func (s *countingSnapshotter) CreateSnapshot(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return true
}

func (s *countingSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestManagerRestartGoesThroughWatchdog(t *testing.T) {
	m := testManager(t)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := &countingSnapshotter{}
	m.SetSnapshotter(snap)

	if err := m.Restart(true); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if snap.count() != 1 {
		t.Fatalf("operator restart should take a pre-restart snapshot, got %d", snap.count())
	}

	wd := m.Status().Watchdog
	if len(wd.RecentRestarts) != 1 {
		t.Fatalf("operator restart should land in the restart history: %+v", wd.RecentRestarts)
	}
	rec := wd.RecentRestarts[0]
	if rec.Reason != "manual" || !rec.Forced || !rec.Success {
		t.Fatalf("unexpected restart record: %+v", rec)
	}
	if wd.RestartsInWindow != 0 {
		t.Fatalf("operator restart must not consume the crash budget, in_window=%d", wd.RestartsInWindow)
	}
}
