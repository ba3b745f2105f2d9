// Package stream provides a replay-latest broadcast used for observable state.
package stream

import (
	"context"
	"sync"
)

// Subject holds the latest value and fans it out to subscribers.
// New subscribers receive the current value first. Slow subscribers only
// ever see the most recent value, never a stale one after a newer one.
type Subject[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[chan T]struct{}
}

// NewSubject creates a subject seeded with initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{current: initial, subs: make(map[chan T]struct{})}
}

// Current returns the latest published value.
func (s *Subject[T]) Current() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Publish stores v and delivers it to every subscriber.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = v
	for ch := range s.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel that replays the current value and then every
// change until ctx is done, at which point the channel is closed.
func (s *Subject[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	s.mu.Lock()
	ch <- s.current
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// offer replaces any undelivered value with v. Callers hold s.mu.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
