// Package bus is the in-process publish/subscribe channel between the
// cache engine and the rendering layer. Delivery is synchronous, on the
// publisher's goroutine, in subscription order; a panicking subscriber
// does not prevent the others from running.
package bus

import "sync"

// Handler receives events. It runs on the publisher's goroutine and
// should return quickly.
type Handler func(Event)

type subscription struct {
	id   int
	kind Kind
	all  bool
	fn   Handler
}

// Bus dispatches typed events to ordered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	next int
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for one event kind. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	return b.add(subscription{kind: kind, fn: fn})
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.add(subscription{all: true, fn: fn})
}

func (b *Bus) add(sub subscription) func() {
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers evt to matching subscribers in subscription order.
// The subscriber list is snapshotted first, so handlers may subscribe or
// publish without deadlocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.all || sub.kind == evt.Kind() {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		deliver(fn, evt)
	}
}

func deliver(fn Handler, evt Event) {
	defer func() {
		_ = recover()
	}()
	fn(evt)
}
