package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mboflow/logger"
	"mboflow/models"
)

const (
	// DefaultBatchSize flushes a batch when it reaches this many events.
	DefaultBatchSize = 1000
	// DefaultBatchInterval flushes a partial batch after this long.
	DefaultBatchInterval = 50 * time.Millisecond
	// commitTimeout bounds one batch commit. A commit that cannot finish
	// within it is treated as a fatal storage failure.
	commitTimeout = 5 * time.Second
)

// Sink consumes applied events and commits them to the store in batches.
// Unlike the broadcast side, the sink applies backpressure: the ingest waits
// rather than lose a row.
type Sink struct {
	store    *Store
	in       chan *models.MBOMsgEffect
	size     int
	interval time.Duration
	log      *logger.Entry
	wg       sync.WaitGroup
	fatal    chan error
	stopOnce sync.Once
}

// NewSink returns a sink writing to store. size <= 0 and interval <= 0 fall
// back to the defaults.
func NewSink(store *Store, size int, interval time.Duration) *Sink {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &Sink{
		store:    store,
		in:       make(chan *models.MBOMsgEffect, 2*size),
		size:     size,
		interval: interval,
		log:      logger.GetLogger().WithComponent("sink"),
		fatal:    make(chan error, 1),
	}
}

// Start launches the batching loop.
func (k *Sink) Start(ctx context.Context) {
	k.wg.Add(1)
	go k.run(ctx)
	k.log.WithFields(logger.Fields{
		"batch_size":  k.size,
		"interval_ms": k.interval.Milliseconds(),
	}).Info("started persistence sink")
}

// Enqueue hands one event to the sink, blocking when the sink is behind.
func (k *Sink) Enqueue(ctx context.Context, ev *models.MBOMsgEffect) error {
	select {
	case k.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fatal reports an unrecoverable storage failure. The process should treat
// a receive on this channel as a reason to exit non-zero.
func (k *Sink) Fatal() <-chan error {
	return k.fatal
}

// Stop closes the intake, flushes what is buffered and waits for the loop to
// finish. Safe to call once the producer has stopped enqueuing.
func (k *Sink) Stop() {
	k.stopOnce.Do(func() {
		close(k.in)
	})
	k.wg.Wait()
	k.log.Info("persistence sink stopped")
}

func (k *Sink) run(ctx context.Context) {
	defer k.wg.Done()

	batch := make([]*models.MBOMsgEffect, 0, k.size)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		cctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		err := k.store.CommitBatch(cctx, batch)
		cancel()
		if err != nil {
			k.log.WithError(err).WithFields(logger.Fields{"batch": len(batch)}).Error("batch commit failed")
			select {
			case k.fatal <- errors.Wrap(err, "storage sink"):
			default:
			}
			return false
		}
		k.log.WithFields(logger.Fields{"batch": len(batch), "last_seq": batch[len(batch)-1].Seq}).Debug("committed batch")
		logger.IncrementRowsCommitted(len(batch))
		batch = batch[:0]
		return true
	}

	for {
		select {
		case ev, ok := <-k.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= k.size {
				if !flush() {
					return
				}
			}
		case <-ticker.C:
			if !flush() {
				return
			}
		case <-ctx.Done():
			// Drain whatever the producer managed to enqueue, then flush.
			for {
				select {
				case ev, ok := <-k.in:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
					if len(batch) >= k.size {
						if !flush() {
							return
						}
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
