package local

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/tidysave/internal/host"
)

// subscription pairs a handle with its callback.
type subscription[T any] struct {
	handle host.Handle
	fn     T
}

// subscriptions is an ordered, concurrency-safe subscriber list.
// Delivery works on a snapshot so subscribers may unsubscribe themselves
// while an event is being delivered.
type subscriptions[T any] struct {
	mu   sync.RWMutex
	subs []subscription[T]
}

// add appends fn and returns its handle.
func (s *subscriptions[T]) add(fn T) host.Handle {
	h := host.Handle(uuid.NewString())

	s.mu.Lock()
	s.subs = append(s.subs, subscription[T]{handle: h, fn: fn})
	s.mu.Unlock()

	return h
}

// remove drops the subscription with the given handle.
func (s *subscriptions[T]) remove(h host.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.handle == h {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// has reports whether h is still subscribed.
func (s *subscriptions[T]) has(h host.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.handle == h {
			return true
		}
	}
	return false
}

// snapshot returns a copy of the current subscribers in order.
func (s *subscriptions[T]) snapshot() []subscription[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]subscription[T], len(s.subs))
	copy(out, s.subs)
	return out
}

// len returns the number of subscribers.
func (s *subscriptions[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
