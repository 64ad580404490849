package eventbus

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"
)

// Event types published by the engine and the tale pipeline.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"

	TaleExecuted = "tale.executed"
	TaleSkipped  = "tale.skipped"
	TaleArmed    = "tale.armed"
	TaleDisarmed = "tale.disarmed"

	ConfigReloaded = "config.reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type starts with one of prefixes, or
	// every event when no prefix is given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus { return &memBus{} }

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	return len(s.prefixes) == 0 || slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(typ, p)
	})
}

type memBus struct {
	// Sends happen under the read lock, so unsubscribe can close a channel
	// once it holds the write lock.
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, cmp.Or(max(buffer, 0), 8)), prefixes: slices.Clone(prefixes)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
		b.mu.Unlock()
		close(s.ch)
	})
}
