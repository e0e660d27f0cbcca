// Package supervisor runs the watchdog loop: periodic liveness checks,
// crash-triggered restarts under a rate budget, resource sampling and
// health evaluation for the managed server.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/sampler"
)

// Policy defaults.
const (
	DefaultInterval      = 30 * time.Second
	DefaultMaxRestarts   = 3
	DefaultCooldown      = 5 * time.Minute
	DefaultMaxTickErrors = 5

	// maxBackoffNap bounds the sleep taken when the restart budget is
	// exhausted, so Stop stays responsive.
	maxBackoffNap = time.Minute

	keptRestartRecords     = 20
	reportedRestartRecords = 10
)

// Policy configures the watchdog.
type Policy struct {
	RestartOnCrash bool
	// MaxRestarts crash restarts are allowed before the watchdog backs
	// off. The streak is forgiven only once the server stays up for a
	// full Cooldown after the last restart.
	MaxRestarts int
	Cooldown    time.Duration
	Interval    time.Duration
	// MaxTickErrors is how many consecutive monitoring failures are
	// tolerated before the watchdog disables itself.
	MaxTickErrors int
}

func (p Policy) withDefaults() Policy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = DefaultMaxRestarts
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxTickErrors <= 0 {
		p.MaxTickErrors = DefaultMaxTickErrors
	}
	return p
}

// Controller is the slice of the process controller the watchdog needs.
type Controller interface {
	IsRunning() bool
	Start() error
	Stop(force bool, timeout time.Duration) error
	PID() (int, bool)
}

// Monitor is the slice of the resource sampler the watchdog needs.
type Monitor interface {
	Sample() (sampler.Sample, error)
	Alerts() []sampler.Alert
	HealthScore() (int, string)
}

// Snapshotter takes a best-effort backup before a restart. A false
// return means the snapshot failed; the restart proceeds regardless.
type Snapshotter interface {
	CreateSnapshot(label string) bool
}

// RestartRecord is one restart attempt, kept in a bounded ring.
type RestartRecord struct {
	Time    time.Time `json:"time"`
	Reason  string    `json:"reason"`
	Forced  bool      `json:"forced"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Supervisor owns the monitoring goroutine. All state behind mu.
type Supervisor struct {
	name    string
	policy  Policy
	ctrl    Controller
	monitor Monitor
	snap    Snapshotter
	sink    history.Sink
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	checks         int
	lastCheck      time.Time
	restartCount   int
	lastRestartAt  time.Time
	restartHistory []RestartRecord
	totalRestarts  int
	tickErrors     int
	disabled       bool
}

// New builds a Supervisor. monitor, snap and sink may be nil.
func New(name string, policy Policy, ctrl Controller, monitor Monitor, snap Snapshotter, sink history.Sink, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = history.NopSink{}
	}
	return &Supervisor{
		name:    name,
		policy:  policy.withDefaults(),
		ctrl:    ctrl,
		monitor: monitor,
		snap:    snap,
		sink:    sink,
		log:     log.With("server", name),
	}
}

// Start launches the monitoring loop. Starting a running supervisor is a
// no-op.
func (w *Supervisor) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true
	w.mu.Unlock()

	go w.run(ctx, done)
	w.log.Info("watchdog started", "interval", w.policy.Interval,
		"max_restarts", w.policy.MaxRestarts, "cooldown", w.policy.Cooldown)
}

// Stop cancels the loop and waits for it to exit, bounded so a stuck
// restart cannot hang shutdown. Stopping a stopped supervisor is a no-op.
func (w *Supervisor) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.log.Info("watchdog stopped")
	case <-time.After(5 * time.Second):
		w.log.Warn("watchdog loop did not stop in time")
	}
}

// Monitoring reports whether the loop is active.
func (w *Supervisor) Monitoring() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Check before the first sleep, so a crash that happened while the
	// watchdog was down is handled immediately.
	for {
		w.tick(ctx)
		if !sleepCtx(ctx, w.policy.Interval) {
			return
		}
	}
}

// tick is one watchdog pass. Sampling and health failures count toward
// the disable threshold; restart failures do not, they are governed by
// the restart budget instead.
func (w *Supervisor) tick(ctx context.Context) {
	w.mu.Lock()
	if w.disabled {
		w.mu.Unlock()
		return
	}
	w.checks++
	w.lastCheck = time.Now()
	w.mu.Unlock()
	metrics.IncCheck(w.name)

	if !w.ctrl.IsRunning() {
		if w.policy.RestartOnCrash {
			w.handleCrash(ctx)
		} else {
			w.log.Info("server is down, auto-restart disabled")
		}
		return
	}

	// The server is up; a full cooldown since the last restart clears
	// the crash streak.
	w.mu.Lock()
	w.forgiveRestartsLocked(time.Now())
	w.mu.Unlock()

	if w.monitor == nil {
		w.clearTickErrors()
		return
	}
	if _, err := w.monitor.Sample(); err != nil {
		w.recordTickError("sample", err)
		return
	}
	for _, a := range w.monitor.Alerts() {
		if a.Severity == sampler.SeverityCritical {
			w.log.Warn("resource alert", "severity", a.Severity, "kind", a.Kind, "message", a.Message)
		} else {
			w.log.Info("resource alert", "severity", a.Severity, "kind", a.Kind, "message", a.Message)
		}
	}
	score, label := w.monitor.HealthScore()
	w.log.Debug("health check", "score", score, "rating", label)
	w.clearTickErrors()
}

func (w *Supervisor) recordTickError(stage string, err error) {
	w.mu.Lock()
	w.tickErrors++
	n := w.tickErrors
	if n >= w.policy.MaxTickErrors {
		w.disabled = true
	}
	disabled := w.disabled
	w.mu.Unlock()

	w.log.Error("monitoring check failed", "stage", stage, "error", err, "consecutive", n)
	if disabled {
		w.log.Error("monitoring disabled after repeated errors, use force-restart to resume",
			"errors", n)
	}
}

func (w *Supervisor) clearTickErrors() {
	w.mu.Lock()
	w.tickErrors = 0
	w.mu.Unlock()
}

// handleCrash applies the restart budget: once MaxRestarts restarts have
// happened, no further attempt runs until a full Cooldown has passed
// since the most recent one. An exhausted budget backs off with a
// bounded, cancellable nap instead of hammering a failing server.
func (w *Supervisor) handleCrash(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	w.forgiveRestartsLocked(now)
	if w.restartCount >= w.policy.MaxRestarts {
		last := w.lastRestartAt
		w.mu.Unlock()

		nap := w.policy.Cooldown - now.Sub(last)
		if nap > maxBackoffNap {
			nap = maxBackoffNap
		}
		w.log.Error("restart budget exhausted, backing off",
			"restarts", w.policy.MaxRestarts, "cooldown", w.policy.Cooldown, "nap", nap)
		sleepCtx(ctx, nap)
		return
	}
	w.mu.Unlock()

	w.log.Warn("server crash detected, restarting")
	w.sendEvent(history.Event{Time: now, Name: w.name, Kind: history.KindCrash})
	_ = w.restart(ctx, "crash", false, false)
}

// forgiveRestartsLocked clears the crash streak once a full cooldown has
// elapsed since the last restart.
func (w *Supervisor) forgiveRestartsLocked(now time.Time) {
	if w.restartCount > 0 && now.Sub(w.lastRestartAt) >= w.policy.Cooldown {
		w.restartCount = 0
	}
}

// ForceRestart restarts outside the crash budget, for operator
// intervention; force skips the graceful console stop. It also
// re-enables a watchdog disabled by monitoring errors.
func (w *Supervisor) ForceRestart(reason string, force bool) error {
	w.mu.Lock()
	w.disabled = false
	w.tickErrors = 0
	w.mu.Unlock()
	if reason == "" {
		reason = "manual"
	}
	return w.restart(context.Background(), reason, true, force)
}

// SetSnapshotter installs the pre-restart backup hook.
func (w *Supervisor) SetSnapshotter(s Snapshotter) {
	w.mu.Lock()
	w.snap = s
	w.mu.Unlock()
}

// restart cycles the server. operator marks an intervention that does
// not count against the crash budget; force skips the graceful stop.
// Failed starts never consume the budget either, the next tick retries.
func (w *Supervisor) restart(ctx context.Context, reason string, operator, force bool) error {
	w.mu.Lock()
	snap := w.snap
	w.mu.Unlock()
	if snap != nil {
		label := "pre-restart-" + time.Now().Format("20060102-150405")
		if !snap.CreateSnapshot(label) {
			w.log.Warn("pre-restart snapshot failed, continuing", "label", label)
		}
	}

	_ = w.ctrl.Stop(force, 0)
	err := w.ctrl.Start()

	rec := RestartRecord{Time: time.Now(), Reason: reason, Forced: operator, Success: err == nil}
	if err != nil {
		rec.Error = err.Error()
		metrics.IncRestartFailure(w.name)
		w.log.Error("restart failed", "reason", reason, "error", err)
	} else {
		metrics.IncRestart(w.name, reason)
		w.log.Info("server restarted", "reason", reason, "forced", operator)
	}

	w.mu.Lock()
	w.totalRestarts++
	if err == nil && !operator {
		w.restartCount++
		w.lastRestartAt = rec.Time
	}
	if len(w.restartHistory) >= keptRestartRecords {
		w.restartHistory = w.restartHistory[1:]
	}
	w.restartHistory = append(w.restartHistory, rec)
	w.mu.Unlock()

	pid, _ := w.ctrl.PID()
	w.sendEvent(history.Event{
		Time: rec.Time, Name: w.name, Kind: history.KindRestart,
		Reason: reason, PID: pid, Success: rec.Success, Detail: rec.Error,
	})
	if err != nil {
		return fmt.Errorf("restart server: %w", err)
	}
	return nil
}

func (w *Supervisor) sendEvent(ev history.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sink.Send(ctx, ev); err != nil {
		w.log.Warn("could not record history event", "kind", ev.Kind, "error", err)
	}
}

// Status is a snapshot of the watchdog's monitoring state.
type Status struct {
	Monitoring       bool            `json:"monitoring"`
	Disabled         bool            `json:"disabled"`
	Checks           int             `json:"checks"`
	LastCheck        time.Time       `json:"last_check,omitzero"`
	RestartsInWindow int             `json:"restarts_in_window"`
	RestartBudget    int             `json:"restart_budget"`
	TotalRestarts    int             `json:"total_restarts"`
	SuccessRate      float64         `json:"restart_success_rate"`
	RecentRestarts   []RestartRecord `json:"recent_restarts,omitempty"`
}

// Status reports counters and the most recent restart attempts.
func (w *Supervisor) Status() Status {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	inWindow := w.restartCount
	if w.restartCount > 0 && now.Sub(w.lastRestartAt) >= w.policy.Cooldown {
		inWindow = 0
	}
	succeeded := 0
	for _, rec := range w.restartHistory {
		if rec.Success {
			succeeded++
		}
	}
	rate := 0.0
	if len(w.restartHistory) > 0 {
		rate = float64(succeeded) / float64(len(w.restartHistory))
	}

	recent := w.restartHistory
	if len(recent) > reportedRestartRecords {
		recent = recent[len(recent)-reportedRestartRecords:]
	}
	out := make([]RestartRecord, len(recent))
	copy(out, recent)

	return Status{
		Monitoring:       w.running,
		Disabled:         w.disabled,
		Checks:           w.checks,
		LastCheck:        w.lastCheck,
		RestartsInWindow: inWindow,
		RestartBudget:    w.policy.MaxRestarts,
		TotalRestarts:    w.totalRestarts,
		SuccessRate:      rate,
		RecentRestarts:   out,
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false when
// the sleep was interrupted or the context is already done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
