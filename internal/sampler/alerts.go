package sampler

import (
	"fmt"
	"time"

	"github.com/loykin/craftd/internal/metrics"
)

// Severity ranks an alert. Each level carries a fixed health-score
// deduction used by HealthScore.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold-crossing observation about resource usage.
type Alert struct {
	Kind      string    `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds configure alert generation. Zero values select defaults.
type Thresholds struct {
	MemoryPercent        float64 `json:"memory_percent" mapstructure:"memory_percent"`
	CPUPercent           float64 `json:"cpu_percent" mapstructure:"cpu_percent"`
	ThreadCount          int     `json:"thread_count" mapstructure:"thread_count"`
	ConnectionSpikeRatio float64 `json:"connection_spike_ratio" mapstructure:"connection_spike_ratio"`
	OpenFiles            int     `json:"open_files" mapstructure:"open_files"`
}

// DefaultThresholds returns the stock alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryPercent:        80,
		CPUPercent:           75,
		ThreadCount:          200,
		ConnectionSpikeRatio: 2.0,
		OpenFiles:            1000,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = d.MemoryPercent
	}
	if t.CPUPercent <= 0 {
		t.CPUPercent = d.CPUPercent
	}
	if t.ThreadCount <= 0 {
		t.ThreadCount = d.ThreadCount
	}
	if t.ConnectionSpikeRatio <= 0 {
		t.ConnectionSpikeRatio = d.ConnectionSpikeRatio
	}
	if t.OpenFiles <= 0 {
		t.OpenFiles = d.OpenFiles
	}
	return t
}

// Alerts evaluates the latest sample and the recent history against the
// configured thresholds. An empty history produces no alerts.
func (s *Sampler) Alerts() []Alert {
	latest, ok := s.Latest()
	if !ok {
		return nil
	}
	now := time.Now()
	th := s.thresholds
	var alerts []Alert

	// Memory
	switch {
	case latest.MemoryPct > 95:
		alerts = append(alerts, Alert{
			Kind: "memory_critical", Severity: SeverityCritical,
			Message:   fmt.Sprintf("Critical memory usage: %.1f%%", latest.MemoryPct),
			Value:     latest.MemoryPct, Threshold: 95, Timestamp: now,
		})
	case latest.MemoryPct > th.MemoryPercent:
		alerts = append(alerts, Alert{
			Kind: "memory_high", Severity: SeverityWarning,
			Message:   fmt.Sprintf("High memory usage: %.1f%%", latest.MemoryPct),
			Value:     latest.MemoryPct, Threshold: th.MemoryPercent, Timestamp: now,
		})
	}

	// CPU, current value
	switch {
	case latest.CPUPercent > 95:
		alerts = append(alerts, Alert{
			Kind: "cpu_critical", Severity: SeverityCritical,
			Message:   fmt.Sprintf("Critical CPU usage: %.1f%%", latest.CPUPercent),
			Value:     latest.CPUPercent, Threshold: 95, Timestamp: now,
		})
	case latest.CPUPercent > th.CPUPercent:
		alerts = append(alerts, Alert{
			Kind: "cpu_high", Severity: SeverityWarning,
			Message:   fmt.Sprintf("High CPU usage: %.1f%%", latest.CPUPercent),
			Value:     latest.CPUPercent, Threshold: th.CPUPercent, Timestamp: now,
		})
	}

	// CPU, sustained 5-minute average
	if avg := s.Averages(5 * time.Minute); avg.Samples > 1 && avg.CPUPercent > th.CPUPercent {
		alerts = append(alerts, Alert{
			Kind: "cpu_sustained", Severity: SeverityWarning,
			Message:   fmt.Sprintf("Sustained high CPU usage (5min avg): %.1f%%", avg.CPUPercent),
			Value:     avg.CPUPercent, Threshold: th.CPUPercent, Timestamp: now,
		})
	}

	// Threads
	if latest.Threads > th.ThreadCount {
		sev := SeverityWarning
		if latest.Threads > 500 {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Kind: "thread_count_high", Severity: sev,
			Message:   fmt.Sprintf("High thread count: %d", latest.Threads),
			Value:     float64(latest.Threads), Threshold: float64(th.ThreadCount), Timestamp: now,
		})
	}

	// Connection spikes versus the recent average
	s.mu.RLock()
	var recentConns []int
	if n := len(s.history); n > 10 {
		for _, smp := range s.history[n-11 : n-1] {
			recentConns = append(recentConns, smp.Connections)
		}
	}
	s.mu.RUnlock()
	if len(recentConns) > 0 {
		sum := 0
		for _, c := range recentConns {
			sum += c
		}
		avg := float64(sum) / float64(len(recentConns))
		spike := avg * th.ConnectionSpikeRatio
		if float64(latest.Connections) > spike && latest.Connections > 10 {
			alerts = append(alerts, Alert{
				Kind: "connection_spike", Severity: SeverityInfo,
				Message:   fmt.Sprintf("Connection spike detected: %d (avg: %.1f)", latest.Connections, avg),
				Value:     float64(latest.Connections), Threshold: spike, Timestamp: now,
			})
		}
	}

	// Open file descriptors
	if latest.OpenFiles > th.OpenFiles {
		sev := SeverityWarning
		if latest.OpenFiles > 2000 {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Kind: "file_descriptors_high", Severity: sev,
			Message:   fmt.Sprintf("High open file count: %d", latest.OpenFiles),
			Value:     float64(latest.OpenFiles), Threshold: float64(th.OpenFiles), Timestamp: now,
		})
	}

	return alerts
}

// HealthScore computes an overall 0-100 score from the latest sample and
// current alerts, with a qualitative rating. A detached sampler scores 0.
func (s *Sampler) HealthScore() (int, string) {
	latest, ok := s.Latest()
	if !ok || !s.Attached() {
		return 0, "critical"
	}

	score := 100
	switch {
	case latest.MemoryPct > 90:
		score -= 25
	case latest.MemoryPct > 80:
		score -= 15
	case latest.MemoryPct > 70:
		score -= 5
	}
	switch {
	case latest.CPUPercent > 85:
		score -= 20
	case latest.CPUPercent > 70:
		score -= 10
	}
	for _, a := range s.Alerts() {
		switch a.Severity {
		case SeverityCritical:
			score -= 25
		case SeverityWarning:
			score -= 10
		case SeverityInfo:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}

	metrics.SetHealthScore(s.name, score)
	return score, rating(score)
}

func rating(score int) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 50:
		return "fair"
	case score >= 25:
		return "poor"
	default:
		return "critical"
	}
}
