package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of server stops (graceful or kill).",
		}, []string{"name"},
	)
	watchdogChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "watchdog",
			Name:      "checks_total",
			Help:      "Monitoring loop iterations performed.",
		}, []string{"name"},
	)
	watchdogRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Automatic restart attempts that succeeded.",
		}, []string{"name", "reason"},
	)
	watchdogRestartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "craftd",
			Subsystem: "watchdog",
			Name:      "restart_failures_total",
			Help:      "Restart attempts that failed to bring the server up.",
		}, []string{"name"},
	)

	sampleCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the managed server.",
		}, []string{"name"},
	)
	sampleMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "memory_mb",
			Help:      "Resident memory of the managed server in MB.",
		}, []string{"name"},
	)
	sampleMemoryPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "memory_percent",
			Help:      "Resident memory of the managed server as a share of system memory.",
		}, []string{"name"},
	)
	sampleThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "num_threads",
			Help:      "Thread count of the managed server.",
		}, []string{"name"},
	)
	sampleFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "num_fds",
			Help:      "Open file descriptors of the managed server (Unix only).",
		}, []string{"name"},
	)
	sampleConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open network connections of the managed server.",
		}, []string{"name"},
	)
	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "health_score",
			Help:      "Overall health score of the managed server (0-100).",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops,
		watchdogChecks, watchdogRestarts, watchdogRestartFailures,
		sampleCPUPercent, sampleMemoryMB, sampleMemoryPercent,
		sampleThreads, sampleFDs, sampleConnections, healthScore,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name).Inc()
	}
}

func IncCheck(name string) {
	if regOK.Load() {
		watchdogChecks.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		watchdogRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncRestartFailure(name string) {
	if regOK.Load() {
		watchdogRestartFailures.WithLabelValues(name).Inc()
	}
}

// ObserveSample publishes one resource sample to the gauges.
func ObserveSample(name string, cpuPct, memMB, memPct float64, threads, fds, conns int) {
	if !regOK.Load() {
		return
	}
	sampleCPUPercent.WithLabelValues(name).Set(cpuPct)
	sampleMemoryMB.WithLabelValues(name).Set(memMB)
	sampleMemoryPercent.WithLabelValues(name).Set(memPct)
	sampleThreads.WithLabelValues(name).Set(float64(threads))
	sampleFDs.WithLabelValues(name).Set(float64(fds))
	sampleConnections.WithLabelValues(name).Set(float64(conns))
}

func SetHealthScore(name string, score int) {
	if regOK.Load() {
		healthScore.WithLabelValues(name).Set(float64(score))
	}
}

// Reset clears the per-server gauges when the process detaches.
func Reset(name string) {
	if !regOK.Load() {
		return
	}
	for _, g := range []*prometheus.GaugeVec{
		sampleCPUPercent, sampleMemoryMB, sampleMemoryPercent,
		sampleThreads, sampleFDs, sampleConnections, healthScore,
	} {
		g.DeleteLabelValues(name)
	}
}
