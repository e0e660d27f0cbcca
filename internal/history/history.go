// Package history records lifecycle events (starts, stops, restarts,
// adoptions) so operators can reconstruct what happened to the server
// across craftd runs.
package history

import (
	"context"
	"time"
)

// Event kinds.
const (
	KindStart   = "start"
	KindStop    = "stop"
	KindRestart = "restart"
	KindAdopt   = "adopt"
	KindCrash   = "crash"
)

// Event is one lifecycle occurrence.
type Event struct {
	Time    time.Time `json:"time"`
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Success bool      `json:"success"`
	Detail  string    `json:"detail,omitempty"`
}

// Sink persists events. Implementations must tolerate concurrent Sends.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// NopSink discards everything. Used when no history store is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }
func (NopSink) Close() error                      { return nil }
