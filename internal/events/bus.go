package events

import (
	"sort"
	"sync"
	"time"

	"github.com/joss/kado/internal/logging"
)

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	minLevel logging.Level
	onPanic  func(t Type, recovered any)
	now      func() time.Time
}

// NewBus creates a bus that drops log entries below minLevel.
func NewBus(minLevel logging.Level) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		minLevel: minLevel,
		now:      time.Now,
	}
}

// Subscribe registers h and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// SetMinLevel changes the log threshold.
func (b *Bus) SetMinLevel(l logging.Level) {
	b.mu.Lock()
	b.minLevel = l
	b.mu.Unlock()
}

// Emit delivers an event to every subscriber in subscription order.
// A panicking subscriber does not stop delivery to the others.
func (b *Bus) Emit(t Type, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Timestamp: b.now(), Payload: payload}
	for _, h := range hs {
		b.deliver(h, ev)
	}
}

// OnPanic registers a hook for subscriber panics.
func (b *Bus) OnPanic(fn func(t Type, recovered any)) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.mu.RLock()
			fn := b.onPanic
			b.mu.RUnlock()
			if fn != nil {
				fn(ev.Type, rec)
			}
		}
	}()
	h(ev)
}

// Log implements logging.Sink.
func (b *Bus) Log(level logging.Level, source, message string, data map[string]any) {
	b.mu.RLock()
	min := b.minLevel
	b.mu.RUnlock()
	if !level.Enabled(min) {
		return
	}
	b.Emit(TypeLog, LogPayload{Level: string(level), Source: source, Message: message, Data: data})
}

var _ logging.Sink = (*Bus)(nil)
