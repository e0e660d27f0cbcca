// Package control owns the lifecycle of the managed server process:
// exclusive-start locking, launching with captured console output,
// graceful and forced shutdown, console command delivery, and recovery
// of servers that outlived a previous craftd run.
package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/craftd/internal/lock"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/pidfile"
	"github.com/loykin/craftd/internal/sampler"
)

// Default lifecycle timeouts.
const (
	DefaultStartTimeout = 2 * time.Minute
	DefaultStartupGrace = 3 * time.Second
	DefaultStopTimeout  = 30 * time.Second
	DefaultKillTimeout  = 10 * time.Second
	DefaultScanTimeout  = 30 * time.Second

	probeInterval = 2 * time.Second
	pollInterval  = 250 * time.Millisecond
)

// Config describes one managed server.
type Config struct {
	Name      string
	ServerDir string

	// Artifact is a substring of the server's command line (typically
	// the jar or binary name) used to recognize an orphaned server in
	// the process table. Adoption scanning is disabled when empty.
	Artifact string

	// StopCommand is written to the server console for a graceful stop.
	StopCommand string

	LockPath string
	PIDPath  string

	StartTimeout time.Duration
	// StartupGrace is how long a child without a ReadyProbe must stay
	// alive before Start declares success.
	StartupGrace time.Duration
	StopTimeout  time.Duration
	KillTimeout  time.Duration
	ScanTimeout  time.Duration

	// ReadyProbe, when set, is polled during startup instead of the
	// sustained-liveness grace period.
	ReadyProbe func() bool

	Console logger.Config
}

func (c Config) withDefaults() Config {
	if c.StopCommand == "" {
		c.StopCommand = "stop"
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.ServerDir, ".craftd.lock")
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(c.ServerDir, ".craftd.pid")
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = DefaultStartupGrace
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	return c
}

// Controller serializes all lifecycle transitions for one server behind a
// single mutex. Liveness checks, starts, stops and command writes never
// interleave.
type Controller struct {
	cfg      Config
	launcher Launcher
	registry pidfile.Registry
	lock     *lock.FileLock
	sampler  *sampler.Sampler
	log      *slog.Logger

	mu      sync.Mutex
	handle  handle
	console io.WriteCloser
}

// New builds a Controller. smp may be nil when resource tracking is not
// wanted (tests mostly).
func New(cfg Config, launcher Launcher, smp *sampler.Sampler, log *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		launcher: launcher,
		registry: pidfile.New(cfg.PIDPath),
		lock:     lock.New(cfg.LockPath),
		sampler:  smp,
		log:      log.With("server", cfg.Name),
	}
}

// IsRunning resolves whether the server is up, in order: the persisted
// PID record, the in-memory direct handle, and finally a process-table
// scan that adopts an orphaned server. Stale state found along the way is
// repaired as a side effect.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunningLocked()
}

func (c *Controller) isRunningLocked() bool {
	if pid, ok := c.registry.Load(); ok {
		if alive(pid) {
			if c.handle.kind == HandleNone || c.handle.pid != pid {
				c.adoptLocked(pid, "pid record")
			}
			c.attachSamplerLocked(pid)
			return true
		}
		c.log.Debug("pid record is stale", "pid", pid)
		_ = c.registry.Clear()
	}

	if c.handle.kind == HandleDirect && alive(c.handle.pid) {
		if saved, ok := c.registry.Load(); !ok || saved != c.handle.pid {
			if err := c.registry.Save(c.handle.pid); err != nil {
				c.log.Warn("could not repair pid record", "pid", c.handle.pid, "error", err)
			}
		}
		c.attachSamplerLocked(c.handle.pid)
		return true
	}

	if cands := c.scanCandidates(); len(cands) > 0 {
		c.adoptLocked(int(cands[0]), "process scan")
		c.attachSamplerLocked(int(cands[0]))
		return true
	}

	c.clearDeadStateLocked()
	return false
}

// adoptLocked takes over supervision of an already-running server. The
// adopted handle has no stdin, so console commands will be refused until
// the next restart through Start.
func (c *Controller) adoptLocked(pid int, source string) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	c.handle = handle{kind: HandleAdopted, pid: pid, proc: p}
	if err := c.registry.Save(pid); err != nil {
		c.log.Warn("could not persist adopted pid", "pid", pid, "error", err)
	}
	if held, err := c.lock.Acquire(); err != nil || !held {
		c.log.Debug("lock not acquired for adopted server", "held", held, "error", err)
	}
	c.log.Info("adopted running server, commands unavailable until restart",
		"pid", pid, "source", source)
}

func (c *Controller) attachSamplerLocked(pid int) {
	if c.sampler == nil {
		return
	}
	if cur, ok := c.sampler.PID(); ok && cur == int32(pid) {
		return
	}
	if err := c.sampler.Attach(int32(pid)); err != nil {
		c.log.Warn("could not attach resource sampler", "pid", pid, "error", err)
	}
}

// clearDeadStateLocked tears down tracking after the server is confirmed
// gone so the next Start begins from a clean slate.
func (c *Controller) clearDeadStateLocked() {
	if c.handle.kind == HandleNone && !c.lock.Held() {
		return
	}
	if c.handle.kind != HandleNone {
		c.log.Info("tracked server is gone, clearing state",
			"pid", c.handle.pid, "handle", c.handle.kind.String())
	}
	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	if c.handle.stdin != nil {
		_ = c.handle.stdin.Close()
	}
	if c.handle.waitCh != nil {
		select {
		case <-c.handle.waitCh:
		default:
		}
	}
	if c.console != nil {
		_ = c.console.Close()
		c.console = nil
	}
	c.handle = handle{}
	if c.sampler != nil {
		c.sampler.Detach()
	}
	_ = c.registry.Clear()
	if err := c.lock.Release(); err != nil {
		c.log.Warn("could not release server lock", "error", err)
	}
}

// Start launches the server and waits for it to become ready. On any
// failure after the fork the child is killed, the PID record cleared and
// the lock released, so a failed start leaves no partial state.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	if c.isRunningLocked() {
		return ErrAlreadyRunning
	}
	held, err := c.lock.Acquire()
	if err != nil {
		return fmt.Errorf("acquire server lock: %w", err)
	}
	if !held {
		return ErrLockUnavailable
	}

	cmd, err := c.launcher.BuildCommand()
	if err != nil {
		_ = c.lock.Release()
		return err
	}
	if cmd.Dir == "" {
		cmd.Dir = c.cfg.ServerDir
	}
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = c.lock.Release()
		return fmt.Errorf("open stdin pipe: %w", err)
	}

	console, err := c.cfg.Console.Writer(c.cfg.Name)
	if err != nil {
		c.log.Warn("console log unavailable, discarding server output", "error", err)
		console = nil
	}
	if console != nil {
		cmd.Stdout = console
		cmd.Stderr = console
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		if console != nil {
			_ = console.Close()
		}
		_ = c.lock.Release()
		return fmt.Errorf("start server: %w", err)
	}

	pid := cmd.Process.Pid
	// Persist immediately: if craftd dies during the readiness wait, a
	// later run can still find the server through the pid record.
	if err := c.registry.Save(pid); err != nil {
		c.log.Warn("could not persist server pid", "pid", pid, "error", err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	proc, _ := process.NewProcess(int32(pid))
	c.handle = handle{kind: HandleDirect, pid: pid, cmd: cmd, stdin: stdin, proc: proc, waitCh: waitCh}
	c.console = console

	if err := c.awaitReadyLocked(waitCh); err != nil {
		c.log.Error("server failed to become ready", "pid", pid, "error", err)
		c.abortStartLocked()
		return err
	}

	c.attachSamplerLocked(pid)
	metrics.IncStart(c.cfg.Name)
	c.log.Info("server started", "pid", pid,
		"console", c.cfg.Console.ConsolePath(c.cfg.Name))
	return nil
}

func (c *Controller) awaitReadyLocked(waitCh chan error) error {
	if c.cfg.ReadyProbe != nil {
		deadline := time.Now().Add(c.cfg.StartTimeout)
		for {
			select {
			case err := <-waitCh:
				return exitedDuringStartup(err)
			case <-time.After(probeInterval):
				if c.cfg.ReadyProbe() {
					return nil
				}
				if time.Now().After(deadline) {
					return &StartupTimeoutError{Timeout: c.cfg.StartTimeout}
				}
			}
		}
	}

	grace := c.cfg.StartupGrace
	if grace > c.cfg.StartTimeout {
		grace = c.cfg.StartTimeout
	}
	select {
	case err := <-waitCh:
		return exitedDuringStartup(err)
	case <-time.After(grace):
		return nil
	}
}

func exitedDuringStartup(waitErr error) error {
	if waitErr == nil {
		return fmt.Errorf("%w: exited cleanly", ErrExitedDuringStartup)
	}
	return fmt.Errorf("%w: %v", ErrExitedDuringStartup, waitErr)
}

// abortStartLocked is the all-or-nothing cleanup for a failed start.
func (c *Controller) abortStartLocked() {
	if c.handle.pid > 0 {
		if res := KillTree(int32(c.handle.pid), c.cfg.KillTimeout); !res.Success {
			c.log.Warn("cleanup kill left survivors", "failed", res.Failed)
		}
	}
	c.teardownLocked()
}

// Stop shuts the server down. Without force it first writes the graceful
// stop command to the console and polls for exit up to timeout (the
// configured StopTimeout when zero), escalating to a tree kill only when
// that fails or no command channel exists. A stopped server is a no-op.
func (c *Controller) Stop(force bool, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunningLocked() {
		c.log.Debug("stop requested but server is not running")
		return nil
	}
	if timeout <= 0 {
		timeout = c.cfg.StopTimeout
	}
	pid := c.handle.pid

	if !force && c.handle.canSendCommands() && c.cfg.StopCommand != "" {
		if err := c.writeLineLocked(c.cfg.StopCommand); err != nil {
			c.log.Warn("graceful stop command failed", "error", err)
		} else if c.waitGone(pid, timeout) {
			c.teardownLocked()
			metrics.IncStop(c.cfg.Name)
			c.log.Info("server stopped gracefully", "pid", pid)
			return nil
		} else {
			c.log.Warn("graceful stop timed out, escalating", "pid", pid, "timeout", timeout)
		}
	}

	res := KillTree(int32(pid), c.cfg.KillTimeout)
	c.teardownLocked()
	if !res.Success {
		return fmt.Errorf("force stop pid %d: %d process(es) survived", pid, len(res.Failed))
	}
	metrics.IncStop(c.cfg.Name)
	c.log.Info("server stopped", "pid", pid, "forced", true)
	return nil
}

// Restart is a Stop followed by a Start under one lifecycle transition.
func (c *Controller) Restart(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunningLocked() {
		pid := c.handle.pid
		if !force && c.handle.canSendCommands() && c.cfg.StopCommand != "" {
			if err := c.writeLineLocked(c.cfg.StopCommand); err == nil && c.waitGone(pid, c.cfg.StopTimeout) {
				c.teardownLocked()
			}
		}
		if c.handle.kind != HandleNone {
			if res := KillTree(int32(pid), c.cfg.KillTimeout); !res.Success {
				return fmt.Errorf("restart: could not stop pid %d", pid)
			}
			c.teardownLocked()
		}
		metrics.IncStop(c.cfg.Name)
	}
	return c.startLocked()
}

func (c *Controller) waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !alive(pid)
}

// SendCommand writes one line to the server console. Adopted servers have
// no command channel and return ErrAdoptedNoInput.
func (c *Controller) SendCommand(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyCommand
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunningLocked() {
		return ErrNotRunning
	}
	if !c.handle.canSendCommands() {
		return ErrAdoptedNoInput
	}
	if err := c.writeLineLocked(text); err != nil {
		return err
	}
	c.log.Debug("command sent", "command", text)
	return nil
}

func (c *Controller) writeLineLocked(text string) error {
	_, err := io.WriteString(c.handle.stdin, text+"\n")
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return &BrokenPipeError{Err: err}
	}
	return err
}

// PID returns the tracked server PID, if any.
func (c *Controller) PID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle.kind == HandleNone {
		return 0, false
	}
	return c.handle.pid, true
}

// HandleKind returns how the current process is tracked.
func (c *Controller) HandleKind() HandleKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.kind
}

// CanSendCommands reports whether a console command channel exists.
func (c *Controller) CanSendCommands() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.canSendCommands()
}

// scanCandidates walks the process table looking for a server whose
// command line mentions the configured artifact and whose working
// directory sits under the server directory. Both signals are fuzzy
// substring matches, which is why candidates are surfaced in Status.
func (c *Controller) scanCandidates() []int32 {
	if c.cfg.Artifact == "" {
		return nil
	}
	procs, err := process.Processes()
	if err != nil {
		c.log.Debug("process scan failed", "error", err)
		return nil
	}
	deadline := time.Now().Add(c.cfg.ScanTimeout)
	self := int32(os.Getpid())
	var out []int32
	for _, p := range procs {
		if time.Now().After(deadline) {
			c.log.Warn("process scan timed out", "scanned", len(out))
			break
		}
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !strings.Contains(cmdline, c.cfg.Artifact) {
			continue
		}
		if c.cfg.ServerDir != "" {
			cwd, err := p.Cwd()
			if err != nil || !strings.Contains(cwd, c.cfg.ServerDir) {
				continue
			}
		}
		out = append(out, p.Pid)
	}
	return out
}

// Status is the controller's view of the server for diagnostics.
type Status struct {
	Name            string    `json:"name"`
	Running         bool      `json:"running"`
	Handle          string    `json:"handle"`
	CanSendCommands bool      `json:"can_send_commands"`
	PID             int       `json:"pid,omitempty"`
	LockHeld        bool      `json:"lock_held"`
	Debug           DebugInfo `json:"debug"`
}

// DebugInfo exposes each input of the liveness decision so operators can
// see why craftd believes the server is up or down.
type DebugInfo struct {
	SavedPID          int     `json:"saved_pid,omitempty"`
	SavedPIDAlive     bool    `json:"saved_pid_alive"`
	DirectHandle      bool    `json:"direct_handle"`
	DirectHandleAlive bool    `json:"direct_handle_alive"`
	ScanCandidates    []int32 `json:"scan_candidates,omitempty"`
}

// Status resolves liveness (adopting if needed, like IsRunning) and
// reports the evidence behind the verdict.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dbg DebugInfo
	if pid, ok := c.registry.Load(); ok {
		dbg.SavedPID = pid
		dbg.SavedPIDAlive = alive(pid)
	}
	if c.handle.kind == HandleDirect {
		dbg.DirectHandle = true
		dbg.DirectHandleAlive = alive(c.handle.pid)
	}
	dbg.ScanCandidates = c.scanCandidates()

	running := c.isRunningLocked()
	st := Status{
		Name:            c.cfg.Name,
		Running:         running,
		Handle:          c.handle.kind.String(),
		CanSendCommands: c.handle.canSendCommands(),
		LockHeld:        c.lock.Held(),
		Debug:           dbg,
	}
	if running {
		st.PID = c.handle.pid
	}
	return st
}
