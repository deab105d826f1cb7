package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler receives published events. It runs in the publisher's goroutine
// while device locks may still be held, so it must not block.
type Handler func(Event)

// Filter selects events. The zero Filter matches everything.
type Filter struct {
	Types       []EventType
	MinSeverity Severity
	DeviceUUID  string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if e.Severity < f.MinSeverity {
		return false
	}
	if f.DeviceUUID != "" && f.DeviceUUID != e.DeviceUUID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus is the in-process fan-out for trust events. Every published event is
// stamped with a monotonically increasing sequence number.
type Bus struct {
	log *zap.Logger
	now func() time.Time
	seq atomic.Uint64

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{log: logger, now: time.Now}
}

// SetClock overrides the time source used to stamp events.
func (b *Bus) SetClock(now func() time.Time) {
	b.now = now
}

// Subscribe registers handler for events matching f and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(f Filter, handler Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, filter: f, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps e and hands it to every matching subscriber. A panicking
// subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter.Match(e) {
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panic",
				zap.String("event", string(e.Type)),
				zap.Uint64("seq", e.Seq),
				zap.Any("panic", r))
		}
	}()
	s.handler(e)
}
