package events

import (
	"sync"
	"time"
)

// DefaultReplay is how many past events a late subscriber receives.
const DefaultReplay = 64

// Bus stamps, logs and fans out events to subscribers. A subscriber that
// does not keep up loses events rather than stalling the emitter.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	replay  int
	history []Event
	subs    map[int]chan Event
	nextID  int
	dropped uint64
}

func NewBus(replay int) *Bus {
	if replay <= 0 {
		replay = DefaultReplay
	}
	return &Bus{replay: replay, subs: make(map[int]chan Event)}
}

func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Progress = clampProgress(e.Progress)

	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)
	if len(b.history) > b.replay {
		b.history = b.history[len(b.history)-b.replay:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()

	logEvent(e)
	recordMetric(e)
}

// Subscribe returns the replay buffer and a channel of subsequent events.
// cancel must be called to release the subscription; it closes the channel.
func (b *Bus) Subscribe(buffer int) (past []Event, ch <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = 16
	}
	c := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = c
	past = append([]Event(nil), b.history...)
	b.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(c)
		})
	}
	return past, c, cancel
}

// History returns the replay buffer.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
