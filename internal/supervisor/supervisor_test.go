package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/sampler"
)

type fakeController struct {
	mu           sync.Mutex
	running      bool
	upAfterStart bool
	starts       int
	stops        int
	startErr     error
}

func (f *fakeController) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = f.upAfterStart
	return nil
}

func (f *fakeController) Stop(bool, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeController) PID() (int, bool) { return 0, false }

func (f *fakeController) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeMonitor struct {
	sampleErr error
	alerts    []sampler.Alert
}

func (f *fakeMonitor) Sample() (sampler.Sample, error) {
	if f.sampleErr != nil {
		return sampler.Sample{}, f.sampleErr
	}
	return sampler.Sample{Timestamp: time.Now()}, nil
}

func (f *fakeMonitor) Alerts() []sampler.Alert    { return f.alerts }
func (f *fakeMonitor) HealthScore() (int, string) { return 100, "excellent" }

type fakeSnapshotter struct {
	mu     sync.Mutex
	labels []string
	ok     bool
}

func (f *fakeSnapshotter) CreateSnapshot(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return f.ok
}

func cancelledCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestCrashRestartBudget(t *testing.T) {
	ctrl := &fakeController{}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 3, Cooldown: time.Hour}, ctrl, nil, nil, nil, nil)

	ctx := cancelledCtx()
	for i := 0; i < 5; i++ {
		w.tick(ctx)
	}
	if got := ctrl.startCount(); got != 3 {
		t.Fatalf("expected exactly 3 restart attempts within the budget, got %d", got)
	}
	st := w.Status()
	if st.RestartsInWindow != 3 {
		t.Fatalf("expected 3 restarts in window, got %d", st.RestartsInWindow)
	}
}

func TestCooldownForgivesOldRestarts(t *testing.T) {
	ctrl := &fakeController{}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 2, Cooldown: time.Minute}, ctrl, nil, nil, nil, nil)

	w.mu.Lock()
	w.restartCount = 2
	w.lastRestartAt = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	w.tick(cancelledCtx())
	if got := ctrl.startCount(); got != 1 {
		t.Fatalf("a streak older than the cooldown must be forgiven, starts=%d", got)
	}
	if st := w.Status(); st.RestartsInWindow != 1 {
		t.Fatalf("in-window restarts = %d, want 1", st.RestartsInWindow)
	}
}

func TestBudgetHoldsUntilCooldownAfterLastRestart(t *testing.T) {
	ctrl := &fakeController{}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 3, Cooldown: 300 * time.Second}, ctrl, nil, nil, nil, nil)

	// Three restarts happened at t-400, t-350 and t-200: the budget must
	// hold until 300s after the most recent one, even though the earlier
	// attempts are more than a cooldown old.
	ctx := cancelledCtx()
	w.mu.Lock()
	w.restartCount = 3
	w.lastRestartAt = time.Now().Add(-200 * time.Second)
	w.mu.Unlock()

	w.tick(ctx)
	if got := ctrl.startCount(); got != 0 {
		t.Fatalf("budget must hold until a full cooldown after the last restart, starts=%d", got)
	}

	// A server crashing every 299s never leaves the throttle.
	w.mu.Lock()
	w.lastRestartAt = time.Now().Add(-299 * time.Second)
	w.mu.Unlock()
	w.tick(ctx)
	if got := ctrl.startCount(); got != 0 {
		t.Fatalf("a crash loop just inside the cooldown must stay throttled, starts=%d", got)
	}

	w.mu.Lock()
	w.lastRestartAt = time.Now().Add(-301 * time.Second)
	w.mu.Unlock()
	w.tick(ctx)
	if got := ctrl.startCount(); got != 1 {
		t.Fatalf("a full cooldown since the last restart should allow a restart, starts=%d", got)
	}
}

func TestFailedStartsDoNotConsumeBudget(t *testing.T) {
	ctrl := &fakeController{startErr: errors.New("port in use")}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 3, Cooldown: time.Hour}, ctrl, nil, nil, nil, nil)

	ctx := cancelledCtx()
	for i := 0; i < 3; i++ {
		w.tick(ctx)
	}
	if got := ctrl.startCount(); got != 3 {
		t.Fatalf("every tick should retry while starts keep failing, got %d", got)
	}
	if st := w.Status(); st.RestartsInWindow != 0 {
		t.Fatalf("failed starts must not count against the budget, in_window=%d", st.RestartsInWindow)
	}

	ctrl.mu.Lock()
	ctrl.startErr = nil
	ctrl.upAfterStart = true
	ctrl.mu.Unlock()
	w.tick(ctx)
	if got := ctrl.startCount(); got != 4 {
		t.Fatalf("a healthy start should still run after failed attempts, got %d", got)
	}
	if st := w.Status(); st.RestartsInWindow != 1 {
		t.Fatalf("the successful restart should count once, in_window=%d", st.RestartsInWindow)
	}
}

func TestRunningTickClearsBudgetAfterCooldown(t *testing.T) {
	ctrl := &fakeController{running: true}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 2, Cooldown: time.Minute}, ctrl, nil, nil, nil, nil)

	w.mu.Lock()
	w.restartCount = 2
	w.lastRestartAt = time.Now().Add(-2 * time.Minute)
	w.mu.Unlock()

	w.tick(cancelledCtx())
	if st := w.Status(); st.RestartsInWindow != 0 {
		t.Fatalf("a healthy tick after the cooldown should clear the streak, in_window=%d", st.RestartsInWindow)
	}
}

func TestRestartDisabledByPolicy(t *testing.T) {
	ctrl := &fakeController{}
	w := New("mc", Policy{RestartOnCrash: false}, ctrl, nil, nil, nil, nil)
	w.tick(cancelledCtx())
	if got := ctrl.startCount(); got != 0 {
		t.Fatalf("restart must not run when disabled by policy, starts=%d", got)
	}
}

func TestForceRestartBypassesBudget(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	w := New("mc", Policy{RestartOnCrash: true, MaxRestarts: 1, Cooldown: time.Hour}, ctrl, nil, nil, nil, nil)

	w.tick(cancelledCtx()) // consumes the budget
	if got := ctrl.startCount(); got != 1 {
		t.Fatalf("setup: expected 1 start, got %d", got)
	}
	if err := w.ForceRestart("operator", false); err != nil {
		t.Fatalf("ForceRestart: %v", err)
	}
	if got := ctrl.startCount(); got != 2 {
		t.Fatalf("forced restart must run despite an exhausted budget, starts=%d", got)
	}
	if st := w.Status(); st.RestartsInWindow != 1 {
		t.Fatalf("operator restarts must not consume the crash budget, in_window=%d", st.RestartsInWindow)
	}
}

func TestDisabledAfterConsecutiveMonitoringErrors(t *testing.T) {
	ctrl := &fakeController{running: true, upAfterStart: true}
	mon := &fakeMonitor{sampleErr: errors.New("proc vanished")}
	w := New("mc", Policy{RestartOnCrash: true, MaxTickErrors: 3}, ctrl, mon, nil, nil, nil)

	ctx := cancelledCtx()
	for i := 0; i < 3; i++ {
		w.tick(ctx)
	}
	if st := w.Status(); !st.Disabled {
		t.Fatal("watchdog should disable itself after repeated monitoring errors")
	}
	checksBefore := w.Status().Checks
	w.tick(ctx)
	if w.Status().Checks != checksBefore {
		t.Fatal("disabled watchdog must not run checks")
	}

	// Operator intervention resumes monitoring.
	if err := w.ForceRestart("", false); err != nil {
		t.Fatalf("ForceRestart: %v", err)
	}
	if st := w.Status(); st.Disabled {
		t.Fatal("ForceRestart must re-enable the watchdog")
	}
}

func TestMonitoringErrorCounterResetsOnSuccess(t *testing.T) {
	ctrl := &fakeController{running: true}
	mon := &fakeMonitor{sampleErr: errors.New("boom")}
	w := New("mc", Policy{MaxTickErrors: 3}, ctrl, mon, nil, nil, nil)

	ctx := cancelledCtx()
	w.tick(ctx)
	w.tick(ctx)
	mon.sampleErr = nil
	w.tick(ctx)
	mon.sampleErr = errors.New("boom again")
	w.tick(ctx)
	w.tick(ctx)
	if st := w.Status(); st.Disabled {
		t.Fatal("a successful check must reset the consecutive error count")
	}
}

func TestSnapshotTakenBeforeRestart(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	snap := &fakeSnapshotter{ok: true}
	w := New("mc", Policy{RestartOnCrash: true}, ctrl, nil, snap, nil, nil)

	w.tick(cancelledCtx())
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if len(snap.labels) != 1 || !strings.HasPrefix(snap.labels[0], "pre-restart-") {
		t.Fatalf("expected one pre-restart snapshot, got %v", snap.labels)
	}
}

func TestSnapshotFailureDoesNotBlockRestart(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	snap := &fakeSnapshotter{ok: false}
	w := New("mc", Policy{RestartOnCrash: true}, ctrl, nil, snap, nil, nil)

	w.tick(cancelledCtx())
	if got := ctrl.startCount(); got != 1 {
		t.Fatalf("restart must proceed when the snapshot fails, starts=%d", got)
	}
}

func TestRestartHistoryBoundedAndReported(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	w := New("mc", Policy{}, ctrl, nil, nil, nil, nil)

	for i := 0; i < 25; i++ {
		_ = w.restart(context.Background(), "crash", false, false)
	}
	st := w.Status()
	if st.TotalRestarts != 25 {
		t.Fatalf("total restarts = %d, want 25", st.TotalRestarts)
	}
	if len(st.RecentRestarts) != reportedRestartRecords {
		t.Fatalf("reported restarts = %d, want %d", len(st.RecentRestarts), reportedRestartRecords)
	}
	w.mu.Lock()
	kept := len(w.restartHistory)
	w.mu.Unlock()
	if kept != keptRestartRecords {
		t.Fatalf("kept restarts = %d, want %d", kept, keptRestartRecords)
	}
}

func TestRestartSuccessRate(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	w := New("mc", Policy{}, ctrl, nil, nil, nil, nil)

	_ = w.restart(context.Background(), "crash", false, false)
	ctrl.startErr = errors.New("port in use")
	_ = w.restart(context.Background(), "crash", false, false)
	ctrl.startErr = nil
	_ = w.restart(context.Background(), "crash", false, false)

	st := w.Status()
	if st.SuccessRate < 0.66 || st.SuccessRate > 0.67 {
		t.Fatalf("success rate = %f, want ~0.667", st.SuccessRate)
	}
	last := st.RecentRestarts[len(st.RecentRestarts)-1]
	if !last.Success {
		t.Fatalf("latest restart should be a success: %+v", last)
	}
}

func TestAlertsLoggedAtEverySeverity(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ctrl := &fakeController{running: true}
	mon := &fakeMonitor{alerts: []sampler.Alert{
		{Kind: "memory_high", Severity: sampler.SeverityWarning, Message: "memory at 85%"},
		{Kind: "memory_critical", Severity: sampler.SeverityCritical, Message: "memory at 95%"},
		{Kind: "connection_spike", Severity: sampler.SeverityInfo, Message: "connections doubled"},
	}}
	w := New("mc", Policy{}, ctrl, mon, nil, nil, log)

	w.tick(cancelledCtx())
	out := buf.String()
	for _, kind := range []string{"memory_high", "memory_critical", "connection_spike"} {
		if !strings.Contains(out, kind) {
			t.Fatalf("alert %q should be logged, got: %s", kind, out)
		}
	}
}

func TestCrashAtStartupHandledBeforeFirstInterval(t *testing.T) {
	ctrl := &fakeController{upAfterStart: true}
	w := New("mc", Policy{RestartOnCrash: true, Interval: time.Hour}, ctrl, nil, nil, nil, nil)

	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.startCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("a crash present when monitoring begins should be handled before the first interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	ctrl := &fakeController{running: true}
	w := New("mc", Policy{Interval: 10 * time.Millisecond}, ctrl, nil, nil, nil, nil)

	w.Start()
	w.Start()
	if !w.Monitoring() {
		t.Fatal("supervisor should be monitoring after Start")
	}
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	w.Stop()
	if w.Monitoring() {
		t.Fatal("supervisor should not be monitoring after Stop")
	}
	if w.Status().Checks == 0 {
		t.Fatal("loop should have run at least one check")
	}
}
