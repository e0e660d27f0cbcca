// Package sampler collects resource usage samples from the managed server
// process and maintains a bounded rolling history with windowed aggregates,
// trend analysis and threshold-based health alerts.
package sampler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/craftd/internal/metrics"
)

const (
	// DefaultMaxHistory bounds the rolling sample history.
	DefaultMaxHistory = 100
	// MaxHistorySize is the hard ceiling regardless of configuration.
	MaxHistorySize = 1000
	// DefaultInterval is the collection interval the supervisor ticks at.
	DefaultInterval = 5 * time.Second

	// cpuSampleInterval is the blocking measurement window used when the
	// previous sample is too stale for an incremental CPU read.
	cpuSampleInterval = time.Second
)

// ErrNotAttached is returned by Sample when no process is being tracked.
var ErrNotAttached = errors.New("sampler: no process attached")

// Sample is one point-in-time resource reading.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryMB    float64   `json:"memory_mb"`
	MemoryPct   float64   `json:"memory_percent"`
	CPUPercent  float64   `json:"cpu_percent"`
	Threads     int       `json:"threads"`
	OpenFiles   int       `json:"open_files"`
	Connections int       `json:"connections"`
}

// Averages aggregates a window of samples by arithmetic mean.
type Averages struct {
	MemoryMB    float64 `json:"avg_memory_mb"`
	MemoryPct   float64 `json:"avg_memory_percent"`
	CPUPercent  float64 `json:"avg_cpu_percent"`
	Threads     float64 `json:"avg_threads"`
	OpenFiles   float64 `json:"avg_open_files"`
	Connections float64 `json:"avg_connections"`
	Samples     int     `json:"sample_count"`
}

// Peaks aggregates a window of samples by maximum.
type Peaks struct {
	MemoryMB    float64 `json:"peak_memory_mb"`
	MemoryPct   float64 `json:"peak_memory_percent"`
	CPUPercent  float64 `json:"peak_cpu_percent"`
	Threads     int     `json:"peak_threads"`
	OpenFiles   int     `json:"peak_open_files"`
	Connections int     `json:"peak_connections"`
	Samples     int     `json:"sample_count"`
}

// Sampler tracks one process at a time. Attach and Detach reset all state;
// Sample appends to the history and advances the peak trackers.
type Sampler struct {
	name       string
	interval   time.Duration
	maxHistory int
	thresholds Thresholds
	log        *slog.Logger

	mu         sync.RWMutex
	proc       *process.Process
	startedAt  time.Time
	lastSample time.Time
	history    []Sample

	peakMemoryMB float64
	peakCPU      float64
	peakThreads  int
}

// New constructs a Sampler. maxHistory <= 0 selects DefaultMaxHistory and
// values above MaxHistorySize are clamped.
func New(name string, interval time.Duration, maxHistory int, th Thresholds, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if maxHistory > MaxHistorySize {
		maxHistory = MaxHistorySize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		name:       name,
		interval:   interval,
		maxHistory: maxHistory,
		thresholds: th.withDefaults(),
		log:        log,
	}
}

// Attach points the sampler at pid. It validates the process is alive,
// then clears history and resets peak trackers for the new run.
func (s *Sampler) Attach(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	running, err := p.IsRunning()
	if err != nil {
		return err
	}
	if !running {
		return errors.New("sampler: process not running")
	}

	started := time.Now()
	if ct, err := p.CreateTime(); err == nil {
		started = time.UnixMilli(ct)
	}

	s.mu.Lock()
	s.proc = p
	s.startedAt = started
	s.lastSample = time.Time{}
	s.history = nil
	s.peakMemoryMB = 0
	s.peakCPU = 0
	s.peakThreads = 0
	s.mu.Unlock()

	metrics.Reset(s.name)
	return nil
}

// Detach clears all tracking state.
func (s *Sampler) Detach() {
	s.mu.Lock()
	s.proc = nil
	s.startedAt = time.Time{}
	s.lastSample = time.Time{}
	s.history = nil
	s.peakMemoryMB = 0
	s.peakCPU = 0
	s.peakThreads = 0
	s.mu.Unlock()

	metrics.Reset(s.name)
}

// Attached reports whether a process is currently tracked.
func (s *Sampler) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil
}

// PID returns the tracked process ID.
func (s *Sampler) PID() (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0, false
	}
	return s.proc.Pid, true
}

// Uptime is the wall time since the tracked process was created.
func (s *Sampler) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil || s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Sample reads current resource usage, records it in the history and
// updates the peak trackers. The CPU read blocks for cpuSampleInterval
// when the previous sample is older than one collection interval (or this
// is the first sample after Attach); otherwise a cheap incremental read is
// used. Inspection failures (process gone, access denied) are returned as
// errors, never panics.
func (s *Sampler) Sample() (Sample, error) {
	s.mu.RLock()
	p := s.proc
	last := s.lastSample
	interval := s.interval
	s.mu.RUnlock()

	if p == nil {
		return Sample{}, ErrNotAttached
	}

	var cpu float64
	var err error
	if last.IsZero() || time.Since(last) > interval {
		cpu, err = p.Percent(cpuSampleInterval)
	} else {
		cpu, err = p.Percent(0)
	}
	if err != nil {
		s.log.Debug("cpu read failed", "pid", p.Pid, "error", err)
		cpu = 0
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	memPct, err := p.MemoryPercent()
	if err != nil {
		memPct = 0
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0
	}
	fds, err := p.NumFDs()
	if err != nil {
		fds = 0
	}
	conns := 0
	if list, err := p.Connections(); err == nil {
		conns = len(list)
	}

	smp := Sample{
		Timestamp:   time.Now(),
		MemoryMB:    float64(mem.RSS) / 1024 / 1024,
		MemoryPct:   float64(memPct),
		CPUPercent:  cpu,
		Threads:     int(threads),
		OpenFiles:   int(fds),
		Connections: conns,
	}

	s.mu.Lock()
	// Attach/Detach may have swapped the process while we were reading;
	// drop the sample rather than mixing runs.
	if s.proc != p {
		s.mu.Unlock()
		return Sample{}, ErrNotAttached
	}
	s.lastSample = smp.Timestamp
	s.record(smp)
	s.mu.Unlock()

	metrics.ObserveSample(s.name, smp.CPUPercent, smp.MemoryMB, smp.MemoryPct,
		smp.Threads, smp.OpenFiles, smp.Connections)
	return smp, nil
}

// record appends under lock with drop-oldest eviction and peak updates.
func (s *Sampler) record(smp Sample) {
	if len(s.history) >= s.maxHistory {
		s.history = s.history[1:]
	}
	s.history = append(s.history, smp)

	if smp.MemoryMB > s.peakMemoryMB {
		s.peakMemoryMB = smp.MemoryMB
	}
	if smp.CPUPercent > s.peakCPU {
		s.peakCPU = smp.CPUPercent
	}
	if smp.Threads > s.peakThreads {
		s.peakThreads = smp.Threads
	}
}

// AddSampleForTesting injects an externally built sample.
func (s *Sampler) AddSampleForTesting(smp Sample) {
	s.mu.Lock()
	s.record(smp)
	s.mu.Unlock()
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return Sample{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns the samples newer than now-window, oldest first.
func (s *Sampler) History(window time.Duration) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowed(window)
}

// windowed must be called with s.mu held. A window <= 0 returns the whole
// history. The returned slice is a copy.
func (s *Sampler) windowed(window time.Duration) []Sample {
	if window <= 0 {
		out := make([]Sample, len(s.history))
		copy(out, s.history)
		return out
	}
	cutoff := time.Now().Add(-window)
	for i, smp := range s.history {
		if smp.Timestamp.After(cutoff) {
			out := make([]Sample, len(s.history)-i)
			copy(out, s.history[i:])
			return out
		}
	}
	return nil
}

// Averages aggregates samples newer than now-window. When the window holds
// no samples it falls back to the single most recent sample, so a status
// query shortly after a quiet period still reports data instead of zeros.
func (s *Sampler) Averages(window time.Duration) Averages {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.windowed(window)
	if len(recent) == 0 && len(s.history) > 0 {
		recent = s.history[len(s.history)-1:]
	}
	if len(recent) == 0 {
		return Averages{}
	}

	var a Averages
	for _, smp := range recent {
		a.MemoryMB += smp.MemoryMB
		a.MemoryPct += smp.MemoryPct
		a.CPUPercent += smp.CPUPercent
		a.Threads += float64(smp.Threads)
		a.OpenFiles += float64(smp.OpenFiles)
		a.Connections += float64(smp.Connections)
	}
	n := float64(len(recent))
	a.MemoryMB /= n
	a.MemoryPct /= n
	a.CPUPercent /= n
	a.Threads /= n
	a.OpenFiles /= n
	a.Connections /= n
	a.Samples = len(recent)
	return a
}

// Peaks returns maxima over samples newer than now-window, with the same
// latest-sample fallback as Averages.
func (s *Sampler) Peaks(window time.Duration) Peaks {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.windowed(window)
	if len(recent) == 0 && len(s.history) > 0 {
		recent = s.history[len(s.history)-1:]
	}

	var p Peaks
	for _, smp := range recent {
		if smp.MemoryMB > p.MemoryMB {
			p.MemoryMB = smp.MemoryMB
		}
		if smp.MemoryPct > p.MemoryPct {
			p.MemoryPct = smp.MemoryPct
		}
		if smp.CPUPercent > p.CPUPercent {
			p.CPUPercent = smp.CPUPercent
		}
		if smp.Threads > p.Threads {
			p.Threads = smp.Threads
		}
		if smp.OpenFiles > p.OpenFiles {
			p.OpenFiles = smp.OpenFiles
		}
		if smp.Connections > p.Connections {
			p.Connections = smp.Connections
		}
	}
	p.Samples = len(recent)
	return p
}

// PeaksSinceAttach returns the monotonic maxima tracked since the current
// process was attached. They only reset on Attach or Detach.
func (s *Sampler) PeaksSinceAttach() Peaks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Peaks{
		MemoryMB:   s.peakMemoryMB,
		CPUPercent: s.peakCPU,
		Threads:    s.peakThreads,
		Samples:    len(s.history),
	}
}
