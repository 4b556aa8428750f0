package history

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Recorder stamps events with the launcher run id and sends them without
// letting sink failures reach the caller. A nil *Recorder is a no-op.
type Recorder struct {
	sink    Sink
	runID   string
	timeout time.Duration
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, runID: uuid.NewString(), timeout: 5 * time.Second}
}

// RunID identifies this launcher session.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

func (r *Recorder) Started(kind string, pid int, startedAt time.Time) {
	r.send(Event{Type: EventStart, OccurredAt: time.Now(), Record: Record{Kind: kind, PID: pid, StartedAt: startedAt}})
}

func (r *Recorder) Stopped(kind string, pid int, startedAt, stoppedAt time.Time, exitErr string) {
	r.send(Event{Type: EventStop, OccurredAt: time.Now(), Record: Record{Kind: kind, PID: pid, StartedAt: startedAt, StoppedAt: stoppedAt, ExitErr: exitErr}})
}

func (r *Recorder) send(e Event) {
	if r == nil || r.sink == nil {
		return
	}
	e.Record.RunID = r.runID
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		slog.Warn("history send failed", "type", e.Type, "kind", e.Record.Kind, "err", err)
	}
}

// Close closes the sink when it supports it.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
