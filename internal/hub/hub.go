// Package hub fans applied message effects out to streaming subscribers.
// Slow consumers never stall the ingest: a full subscriber queue evicts its
// oldest event and the reader later receives an in-band lag marker telling it
// how many events it missed.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"

	"mboflow/internal/metrics"
	"mboflow/logger"
	"mboflow/models"
)

var (
	// ErrDraining is returned by Subscribe once shutdown has begun.
	ErrDraining = errors.New("hub is draining")
	// ErrSubscriberLimit is returned when the subscriber cap is reached.
	ErrSubscriberLimit = errors.New("subscriber limit reached")
	// ErrSubscriptionClosed is returned by Next once the subscription is
	// closed and its queue is empty.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Kind discriminates what a delivered envelope carries.
type Kind uint8

const (
	// KindEvent carries one applied message effect.
	KindEvent Kind = iota
	// KindLagged tells the reader how many events its queue evicted since
	// it last kept up.
	KindLagged
	// KindEOF marks the end of the stream during a draining shutdown.
	KindEOF
)

// Envelope is one unit of delivery to a subscriber.
type Envelope struct {
	Kind   Kind
	Event  *models.MBOMsgEffect
	Lagged uint64
}

// Hub broadcasts envelopes to every live subscription.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	maxSubs  int
	queueCap int
	draining bool
	log      *logger.Entry
}

// DefaultQueueCap bounds a subscriber's queue when no explicit capacity is
// configured.
const DefaultQueueCap = 1024

// New returns a hub. maxSubs <= 0 means unlimited; queueCap <= 0 uses
// DefaultQueueCap.
func New(maxSubs, queueCap int) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Hub{
		subs:     make(map[uint64]*Subscription),
		maxSubs:  maxSubs,
		queueCap: queueCap,
		log:      logger.GetLogger().WithComponent("hub"),
	}
}

// Subscribe registers a new reader. It fails once draining has begun or when
// the subscriber cap is reached.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining {
		return nil, ErrDraining
	}
	if h.maxSubs > 0 && len(h.subs) >= h.maxSubs {
		return nil, errors.Wrapf(ErrSubscriberLimit, "limit %d", h.maxSubs)
	}

	h.nextID++
	s := &Subscription{
		id:     h.nextID,
		hub:    h,
		cap:    h.queueCap,
		queue:  deque.New[Envelope](),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subs[s.id] = s
	metrics.SubscriberAdded()
	h.log.WithFields(logger.Fields{"subscriber": s.id, "total": len(h.subs)}).Debug("subscriber joined")
	return s, nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	metrics.SubscriberRemoved()
	h.log.WithFields(logger.Fields{"subscriber": id, "total": len(h.subs)}).Debug("subscriber left")
}

func (h *Hub) snapshot() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish fans one applied effect out to every subscriber. It never blocks;
// full queues evict their oldest event.
func (h *Hub) Publish(event *models.MBOMsgEffect) {
	env := Envelope{Kind: KindEvent, Event: event}
	for _, s := range h.snapshot() {
		s.push(env)
	}
}

// Drain stops accepting subscribers, delivers an EOF envelope to every live
// one and waits for them to close. When the context expires first the
// stragglers are force-closed and the context error is returned.
func (h *Hub) Drain(ctx context.Context) error {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return nil
	}
	h.draining = true
	h.mu.Unlock()

	subs := h.snapshot()
	h.log.WithFields(logger.Fields{"subscribers": len(subs)}).Info("draining hub")
	eof := Envelope{Kind: KindEOF}
	for _, s := range subs {
		s.push(eof)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.SubscriberCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			remaining := h.snapshot()
			h.log.WithFields(logger.Fields{"subscribers": len(remaining)}).Warn("drain deadline reached; force closing subscribers")
			for _, s := range remaining {
				s.Close()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Go runs fn on its own goroutine scoped to the subscription. A panic in fn
// is confined to that subscriber: it is logged and the subscription closed,
// the rest of the hub keeps running.
func (h *Hub) Go(s *Subscription, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.WithFields(logger.Fields{
					"goroutine":  name,
					"subscriber": s.id,
					"panic":      fmt.Sprint(r),
				}).Error("subscriber goroutine panicked")
			}
			s.Close()
		}()
		fn()
	}()
}
