// Package history exports managed-process lifecycle records (spawn, stop) to
// an analytics store. It never feeds back into supervision.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Record describes one managed process instance.
type Record struct {
	Kind      string    `json:"kind"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   string    `json:"exit_err,omitempty"`
	// RunID identifies the launcher session that spawned the process.
	RunID string `json:"run_id"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// nullable maps zero values to SQL NULL.
func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// Args returns the insert arguments shared by the SQL sinks in column order:
// occurred_at, event, kind, pid, started_at, stopped_at, exit_err, run_id.
func (e Event) Args() []any {
	r := e.Record
	var stopped any
	if !r.StoppedAt.IsZero() {
		stopped = r.StoppedAt.UTC()
	}
	return []any{e.OccurredAt.UTC(), string(e.Type), r.Kind, r.PID, r.StartedAt.UTC(), stopped, nullable(r.ExitErr), r.RunID}
}
