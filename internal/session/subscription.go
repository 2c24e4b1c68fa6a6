package session

import (
	"context"
	"sync"
)

// Observer receives a session's encoded events. Deliver must not block.
// Closed observers are pruned by housekeeping.
type Observer interface {
	Deliver(payload []byte) error
	Closed() bool
}

// Subscription is an Observer backed by an unbounded in-memory queue, so a
// slow reader never blocks the pipeline and never misses an event.
type Subscription struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{} // capacity 1; signalled on every Deliver
	done chan struct{}
}

// NewSubscription creates an open Subscription.
func NewSubscription() *Subscription {
	return &Subscription{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Deliver queues payload. It fails with ErrObserverClosed after Close.
func (s *Subscription) Deliver(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrObserverClosed
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a payload is queued, the subscription is closed or ctx
// is done. Payloads are returned in delivery order.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrObserverClosed
		}
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close discards queued payloads and wakes any blocked Next. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
