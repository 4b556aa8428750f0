// Package events carries the staged startup/shutdown status stream shown to
// the UI. Events are observational: nothing in the launcher reads them back.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/booklore-runner/internal/metrics"
)

type Phase string

const (
	Startup  Phase = "startup"
	Shutdown Phase = "shutdown"
)

type Stage string

const (
	StageDatabase Stage = "database"
	StageRuntime  Stage = "runtime"
	StageBackend  Stage = "backend"
	StageGateway  Stage = "gateway"
	// StageReady and StageDone summarize a finished startup or shutdown.
	StageReady Stage = "ready"
	StageDone  Stage = "done"
)

type State string

const (
	Pending  State = "pending"
	Active   State = "active"
	Complete State = "complete"
	Error    State = "error"
)

// Event is one StartupStageStatus update.
type Event struct {
	Seq      uint64    `json:"seq"`
	Phase    Phase     `json:"phase"`
	Stage    Stage     `json:"stage"`
	State    State     `json:"state"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

// Emitter receives events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Recorder keeps every event in order. Useful for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi fans out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func logEvent(e Event) {
	attrs := []any{"phase", e.Phase, "stage", e.Stage, "state", e.State, "progress", e.Progress}
	if e.State == Error {
		slog.Error(e.Message, attrs...)
		return
	}
	slog.Info(e.Message, attrs...)
}

func recordMetric(e Event) {
	metrics.IncStageEvent(string(e.Phase), string(e.Stage), string(e.State))
}
