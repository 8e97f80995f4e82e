// ABOUTME: Typed publish/subscribe bus keyed by event name.
// ABOUTME: Subscribe returns a handle whose Release detaches the handler exactly once.

package events

import (
	"sync"

	"github.com/google/uuid"
)

// Handler receives a published value.
type Handler[T any] func(T)

// Bus delivers values to handlers subscribed under an event name.
// Handlers run synchronously on the publishing goroutine, in
// subscription order.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string][]*Subscription[T])}
}

// Subscription is a registered handler. Release it when the owner goes
// away; a released subscription receives nothing further.
type Subscription[T any] struct {
	ID    string
	Event string

	bus     *Bus[T]
	handler Handler[T]
	once    sync.Once
}

// Subscribe registers handler for event.
func (b *Bus[T]) Subscribe(event string, handler Handler[T]) *Subscription[T] {
	sub := &Subscription[T]{
		ID:      uuid.New().String(),
		Event:   event,
		bus:     b,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	return sub
}

// Publish calls every handler subscribed to event with value.
func (b *Bus[T]) Publish(event string, value T) {
	b.mu.RLock()
	targets := make([]*Subscription[T], len(b.subs[event]))
	copy(targets, b.subs[event])
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.handler(value)
	}
}

// Len returns the number of live subscriptions for event.
func (b *Bus[T]) Len(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Release detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Release() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		list := b.subs[s.Event]
		for i, other := range list {
			if other == s {
				b.subs[s.Event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[s.Event]) == 0 {
			delete(b.subs, s.Event)
		}
	})
}

// Group collects subscriptions so they can be released together.
type Group[T any] struct {
	mu   sync.Mutex
	subs []*Subscription[T]
}

// Add records sub in the group.
func (g *Group[T]) Add(sub *Subscription[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
}

// Len returns the number of subscriptions held.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Release releases every subscription in the group and empties it.
func (g *Group[T]) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
}
