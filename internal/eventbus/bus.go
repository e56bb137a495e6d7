// Package eventbus is an in-process fan-out of small status events
// ("reminder.fired", "notifier.failed", ...) from the scheduler and the
// notifier to whoever wants to watch them.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published signal. Data should be a small value struct.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events without blocking the publisher. A subscriber whose
// buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of events whose Type starts with one of
	// prefixes, or of every event when none are given. unsubscribe closes
	// the channel and may be called more than once.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

// Publish holds the read lock across the sends. Every send is non-blocking,
// and unsubscribe closes a channel only under the write lock, so a send
// never hits a closed channel.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 8)), prefixes: prefixes}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
