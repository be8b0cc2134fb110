// Package pubsub provides a typed broadcast channel with synchronous,
// in-order delivery and no replay.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Handler receives published events. It runs on the publisher's goroutine
// and must not block.
type Handler[T any] func(event T)

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	channel *Channel[T]
	handler Handler[T]
	active  atomic.Bool
}

// Unsubscribe stops delivery. Calling it more than once is a no-op.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.channel.remove(s)
}

// Active reports whether the subscription still receives events.
func (s *Subscription[T]) Active() bool {
	return s != nil && s.active.Load()
}

// -----------------------------------------------------------------------------

// Channel fans each published event out to the current subscribers.
// The subscriber list is copy-on-write so Publish never takes a lock and a
// handler may unsubscribe itself.
type Channel[T any] struct {
	name string
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription[T]]
}

func NewChannel[T any](name string) *Channel[T] {
	c := &Channel[T]{name: name}
	empty := []*Subscription[T]{}
	c.subs.Store(&empty)
	return c
}

func (c *Channel[T]) Name() string {
	return c.name
}

// Subscribe registers handler for events published from now on.
func (c *Channel[T]) Subscribe(handler Handler[T]) *Subscription[T] {
	sub := &Subscription[T]{channel: c, handler: handler}
	sub.active.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.subs.Load()
	next := make([]*Subscription[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	c.subs.Store(&next)
	return sub
}

func (c *Channel[T]) remove(sub *Subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.subs.Load()
	next := make([]*Subscription[T], 0, len(cur))
	for _, s := range cur {
		if s != sub {
			next = append(next, s)
		}
	}
	c.subs.Store(&next)
}

// Publish delivers event to every active subscriber, in subscription
// order, before returning.
func (c *Channel[T]) Publish(event T) {
	for _, s := range *c.subs.Load() {
		if s.active.Load() {
			s.handler(event)
		}
	}
}

// Len returns the number of active subscribers.
func (c *Channel[T]) Len() int {
	return len(*c.subs.Load())
}
