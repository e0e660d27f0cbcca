// Package craftd manages one long-running game server: exclusive
// start/stop control, crash recovery with restart budgets, resource
// sampling with health scoring, lifecycle history and a status API.
package craftd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/craftd/internal/backup"
	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/control"
	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/sampler"
	"github.com/loykin/craftd/internal/supervisor"
)

// Snapshotter is re-exported so callers can plug a backup integration
// into the watchdog without importing internal packages.
type Snapshotter = supervisor.Snapshotter

// Manager ties the controller, sampler, watchdog and history store
// together for a single configured server.
type Manager struct {
	cfg      *config.Config
	log      *slog.Logger
	sampler  *sampler.Sampler
	ctrl     *control.Controller
	watchdog *supervisor.Supervisor
	sink     history.Sink

	mu      sync.Mutex
	adopted bool
}

// New wires a Manager from configuration. The caller owns Close.
func New(cfg *config.Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	var sink history.Sink = history.NopSink{}
	if cfg.History.DSN != "" {
		s, err := history.OpenSQLite(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		sink = s
	}

	smp := sampler.New(cfg.Name, cfg.Sampler.Interval, cfg.Sampler.MaxHistory, cfg.Sampler.Thresholds, log)

	ctrl := control.New(control.Config{
		Name:         cfg.Name,
		ServerDir:    cfg.ServerDir,
		Artifact:     cfg.Artifact,
		StopCommand:  cfg.StopCommand,
		StartTimeout: cfg.Timeouts.Start,
		StartupGrace: cfg.Timeouts.StartupGrace,
		StopTimeout:  cfg.Timeouts.Stop,
		KillTimeout:  cfg.Timeouts.Kill,
		ScanTimeout:  cfg.Timeouts.Scan,
		Console:      cfg.Log,
	}, control.CommandLauncher{
		Command: cfg.Command,
		Dir:     cfg.ServerDir,
		Env:     cfg.Env,
	}, smp, log)

	var snap supervisor.Snapshotter
	if cfg.Backup.SnapshotCommand != "" {
		snap = backup.NewCommandSnapshotter(cfg.Backup.SnapshotCommand, cfg.ServerDir, cfg.Backup.Timeout, log)
	}

	wd := supervisor.New(cfg.Name, supervisor.Policy{
		RestartOnCrash: cfg.Watchdog.RestartOnCrash,
		MaxRestarts:    cfg.Watchdog.MaxRestarts,
		Cooldown:       cfg.Watchdog.Cooldown,
		Interval:       cfg.Watchdog.Interval,
		MaxTickErrors:  cfg.Watchdog.MaxTickErrors,
	}, ctrl, smp, snap, sink, log)

	return &Manager{
		cfg:      cfg,
		log:      log,
		sampler:  smp,
		ctrl:     ctrl,
		watchdog: wd,
		sink:     sink,
	}, nil
}

// SetSnapshotter installs a backup hook run before watchdog restarts.
func (m *Manager) SetSnapshotter(s Snapshotter) { m.watchdog.SetSnapshotter(s) }

// Name returns the configured server name.
func (m *Manager) Name() string { return m.cfg.Name }

// Start launches the server.
func (m *Manager) Start() error {
	err := m.ctrl.Start()
	if err == nil {
		pid, _ := m.ctrl.PID()
		m.record(history.Event{Time: time.Now(), Name: m.cfg.Name, Kind: history.KindStart, PID: pid, Success: true})
	}
	return err
}

// Stop shuts the server down, gracefully unless force is set.
func (m *Manager) Stop(force bool) error {
	err := m.ctrl.Stop(force, 0)
	if err == nil {
		m.record(history.Event{Time: time.Now(), Name: m.cfg.Name, Kind: history.KindStop, Success: true})
	}
	return err
}

// Restart cycles the server through the watchdog, so the pre-restart
// snapshot runs and the attempt lands in the restart history. Operator
// restarts never count against the crash budget and re-enable a
// watchdog disabled by monitoring errors.
func (m *Manager) Restart(force bool) error {
	return m.watchdog.ForceRestart("manual", force)
}

// IsRunning reports server liveness, adopting orphans when found.
func (m *Manager) IsRunning() bool {
	running := m.ctrl.IsRunning()
	m.noteAdoption()
	return running
}

// noteAdoption records a history event the first time the controller
// reports an adopted handle, so operators can see when supervision
// resumed over a server craftd did not start.
func (m *Manager) noteAdoption() {
	adopted := m.ctrl.HandleKind() == control.HandleAdopted
	m.mu.Lock()
	first := adopted && !m.adopted
	m.adopted = adopted
	m.mu.Unlock()
	if first {
		pid, _ := m.ctrl.PID()
		m.record(history.Event{Time: time.Now(), Name: m.cfg.Name, Kind: history.KindAdopt, PID: pid, Success: true})
	}
}

// SendCommand writes one line to the server console.
func (m *Manager) SendCommand(text string) error { return m.ctrl.SendCommand(text) }

// ConsoleTail returns up to n trailing lines of the server console log.
// Nil without error when console logging is configured but nothing has
// been written yet.
func (m *Manager) ConsoleTail(n int) ([]string, error) {
	path := m.cfg.Log.ConsolePath(m.cfg.Name)
	if path == "" {
		return nil, errors.New("console logging is not configured")
	}
	lines, err := logger.Tail(path, n)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return lines, err
}

// Watch starts the watchdog loop; Unwatch stops it.
func (m *Manager) Watch()   { m.watchdog.Start() }
func (m *Manager) Unwatch() { m.watchdog.Stop() }

// ForceRestart force-kills and restarts through the watchdog, bypassing
// the budget and re-enabling monitoring disabled by errors.
func (m *Manager) ForceRestart(reason string) error { return m.watchdog.ForceRestart(reason, true) }

// HealthReport is the current health verdict with its evidence.
type HealthReport struct {
	Score  int                 `json:"score"`
	Rating string              `json:"rating"`
	Alerts []sampler.Alert     `json:"alerts,omitempty"`
	Trends sampler.TrendReport `json:"trends"`
}

// Health computes the current health report.
func (m *Manager) Health() HealthReport {
	score, rating := m.sampler.HealthScore()
	return HealthReport{
		Score:  score,
		Rating: rating,
		Alerts: m.sampler.Alerts(),
		Trends: m.sampler.TrendAnalysis(30 * time.Minute),
	}
}

// StatusReport aggregates everything an operator asks about.
type StatusReport struct {
	Server        control.Status    `json:"server"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Latest        *sampler.Sample   `json:"latest_sample,omitempty"`
	Averages      sampler.Averages  `json:"averages_5m"`
	Peaks         sampler.Peaks     `json:"peaks_since_start"`
	Health        HealthReport      `json:"health"`
	Watchdog      supervisor.Status `json:"watchdog"`
}

// Status collects the full status report.
func (m *Manager) Status() StatusReport {
	defer m.noteAdoption()
	st := StatusReport{
		Server:        m.ctrl.Status(),
		UptimeSeconds: m.sampler.Uptime().Seconds(),
		Averages:      m.sampler.Averages(5 * time.Minute),
		Peaks:         m.sampler.PeaksSinceAttach(),
		Health:        m.Health(),
		Watchdog:      m.watchdog.Status(),
	}
	if latest, ok := m.sampler.Latest(); ok {
		st.Latest = &latest
	}
	return st
}

// Sample takes an immediate resource reading.
func (m *Manager) Sample() (sampler.Sample, error) { return m.sampler.Sample() }

// RecentEvents returns the newest lifecycle events when a history store
// is configured.
func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]history.Event, error) {
	if s, ok := m.sink.(*history.SQLiteSink); ok {
		return s.Recent(ctx, m.cfg.Name, limit)
	}
	return nil, nil
}

// Close stops the watchdog and releases the history store. The server
// itself keeps running; craftd can reattach later.
func (m *Manager) Close() error {
	m.watchdog.Stop()
	return m.sink.Close()
}

func (m *Manager) record(ev history.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sink.Send(ctx, ev); err != nil {
		m.log.Warn("could not record history event", "kind", ev.Kind, "error", err)
	}
}
