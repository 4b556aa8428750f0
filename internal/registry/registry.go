// Package registry holds at most one live child process per managed kind.
//
// A start attempt first acquires the slot. Acquire refuses while another
// attempt holds the slot or a live process is stored, which orders
// concurrent starts without holding a lock across the spawn itself.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/booklore-runner/internal/process"
)

// Kind names a managed process.
type Kind string

const (
	Database Kind = "database"
	Backend  Kind = "backend"
)

// ErrStopRequested is returned by Lease.Store when Take ran while the start
// was still in flight. The caller owns the new process and must stop it.
var ErrStopRequested = errors.New("stop requested during start")

type slotState int

const (
	empty slotState = iota
	starting
	running
)

type slot struct {
	mu        sync.Mutex
	state     slotState
	proc      *process.Process
	cancelled bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	slots map[Kind]*slot
}

func New() *Registry {
	return &Registry{slots: make(map[Kind]*slot)}
}

func (r *Registry) slot(k Kind) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[k]
	if !ok {
		s = &slot{}
		r.slots[k] = s
	}
	return s
}

// Lease is the exclusive right to populate a slot, returned by Acquire.
type Lease struct {
	kind Kind
	s    *slot
	once sync.Once
}

// Acquire grants a lease when the slot is empty. ok is false when a start is
// already in flight or a live process is stored. A stored process that has
// exited on its own is discarded and the slot granted.
func (r *Registry) Acquire(k Kind) (l *Lease, ok bool) {
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case starting:
		return nil, false
	case running:
		if s.proc != nil && s.proc.Alive() {
			return nil, false
		}
		slog.Warn("discarding exited process handle", "kind", k, "pid", pidOf(s.proc))
		s.proc = nil
	}
	s.state = starting
	s.cancelled = false
	return &Lease{kind: k, s: s}, true
}

// Store hands the spawned process to the slot. It fails with
// ErrStopRequested when Take ran in the meantime; the slot is then left empty.
func (l *Lease) Store(p *process.Process) error {
	err := ErrStopRequested
	l.once.Do(func() {
		l.s.mu.Lock()
		defer l.s.mu.Unlock()
		if l.s.cancelled {
			l.s.state = empty
			l.s.cancelled = false
			return
		}
		l.s.state = running
		l.s.proc = p
		err = nil
	})
	return err
}

// Release abandons the lease without a process. It is a no-op after Store.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.s.mu.Lock()
		l.s.state = empty
		l.s.cancelled = false
		l.s.mu.Unlock()
	})
}

// Take clears the slot and returns the stored process, or nil when there is
// none. Taking a slot with a start in flight marks it so that the pending
// Store fails.
func (r *Registry) Take(k Kind) *process.Process {
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case starting:
		s.cancelled = true
		return nil
	case running:
		p := s.proc
		s.proc = nil
		s.state = empty
		return p
	}
	return nil
}

// Running reports whether a live process is stored for k.
func (r *Registry) Running(k Kind) bool {
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == running && s.proc != nil && s.proc.Alive()
}

// Status returns the stored process status, if any.
func (r *Registry) Status(k Kind) (process.Status, bool) {
	s := r.slot(k)
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return process.Status{}, false
	}
	return p.Snapshot(), true
}

// PIDs returns the pids of live stored processes.
func (r *Registry) PIDs() map[Kind]int {
	r.mu.Lock()
	kinds := make([]Kind, 0, len(r.slots))
	for k := range r.slots {
		kinds = append(kinds, k)
	}
	r.mu.Unlock()
	out := make(map[Kind]int, len(kinds))
	for _, k := range kinds {
		if st, ok := r.Status(k); ok && st.Running {
			out[k] = st.PID
		}
	}
	return out
}

func pidOf(p *process.Process) int {
	if p == nil {
		return 0
	}
	return p.PID()
}
