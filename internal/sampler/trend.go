package sampler

import "time"

// Trend describes the first-versus-last movement of one metric inside a
// window. It is a deliberate heuristic, not a regression fit.
type Trend struct {
	Direction     string  `json:"direction"` // stable, increasing, decreasing
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percent_change"`
	First         float64 `json:"start_value"`
	Last          float64 `json:"end_value"`
}

// TrendReport bundles per-metric trends for a window.
type TrendReport struct {
	Memory           Trend   `json:"memory_trend"`
	CPU              Trend   `json:"cpu_trend"`
	Threads          Trend   `json:"thread_trend"`
	TimespanMinutes  float64 `json:"timespan_minutes"`
	Samples          int     `json:"sample_count"`
	InsufficientData bool    `json:"insufficient_data,omitempty"`
}

// TrendAnalysis compares the first and last samples inside the window.
// Fewer than two samples yields InsufficientData.
func (s *Sampler) TrendAnalysis(window time.Duration) TrendReport {
	history := s.History(window)
	if len(history) < 2 {
		return TrendReport{InsufficientData: true, Samples: len(history)}
	}
	first, last := history[0], history[len(history)-1]
	return TrendReport{
		Memory:          classify(first.MemoryPct, last.MemoryPct),
		CPU:             classify(first.CPUPercent, last.CPUPercent),
		Threads:         classify(float64(first.Threads), float64(last.Threads)),
		TimespanMinutes: last.Timestamp.Sub(first.Timestamp).Minutes(),
		Samples:         len(history),
	}
}

// classify labels a change stable when it moved less than 5% relative to
// the starting value.
func classify(first, last float64) Trend {
	change := last - first
	var pct float64
	if first > 0 {
		pct = change / first * 100
	}
	direction := "stable"
	if pct >= 5 {
		direction = "increasing"
	} else if pct <= -5 {
		direction = "decreasing"
	}
	return Trend{
		Direction:     direction,
		Change:        change,
		PercentChange: pct,
		First:         first,
		Last:          last,
	}
}
