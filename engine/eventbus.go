package engine

import (
	"sync"
	"time"
)

// EventBus delivers events synchronously to subscribers in subscription
// order. Handlers must not block; long work belongs on a goroutine.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id    int
	types map[EventType]bool // nil = all
	fn    func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event and returns an id for Unsubscribe.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(fn, nil)
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(fn, set)
}

func (b *EventBus) add(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, types: types, fn: fn})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps e when it has no timestamp and calls the matching handlers.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}
