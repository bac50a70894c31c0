package hub

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"mboflow/internal/metrics"
	"mboflow/logger"
)

// Subscription is one reader's bounded view of the broadcast stream.
type Subscription struct {
	id  uint64
	hub *Hub
	cap int

	mu         sync.Mutex
	queue      *deque.Deque[Envelope]
	pendingLag uint64
	dropped    uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the hub-assigned subscriber id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Dropped returns how many events this subscriber has lost so far.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues one envelope, evicting the oldest event when the queue is
// full. Closed subscriptions ignore pushes.
func (s *Subscription) push(env Envelope) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	if s.queue.Len() >= s.cap {
		s.queue.PopFront()
		s.pendingLag++
		s.dropped++
		metrics.IncrementSubscriberDropped()
	}
	s.queue.PushBack(env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an envelope is available. When events were evicted since
// the last read, a lag marker is delivered before the next event so the
// reader knows its view has a gap. After Close, buffered envelopes are still
// delivered, then ErrSubscriptionClosed.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if s.pendingLag > 0 {
			n := s.pendingLag
			s.pendingLag = 0
			s.mu.Unlock()
			return Envelope{Kind: KindLagged, Lagged: n}, nil
		}
		if s.queue.Len() > 0 {
			env := s.queue.PopFront()
			s.mu.Unlock()
			return env, nil
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return Envelope{}, ErrSubscriptionClosed
		default:
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Close deregisters the subscription. Idempotent; safe from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
		metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricSubscriberQueue, s.id, s.Dropped())
	})
}
