package feed

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"mboflow/internal/hub"
	"mboflow/internal/market"
	"mboflow/internal/metrics"
	"mboflow/internal/storage"
	"mboflow/logger"
	"mboflow/models"
)

// Archiver receives applied events for best-effort archival. Add must not
// block the ingest.
type Archiver interface {
	Add(ev *models.MBOMsgEffect)
}

// DriverConfig tunes one ingest run.
type DriverConfig struct {
	// ResumeFrom skips re-broadcasting and re-persisting records whose
	// assigned sequence is at or below this value. The records are still
	// applied so the in-memory books rebuild their state.
	ResumeFrom uint64
	// SkipDecodeErrors turns a malformed record into a warning instead of
	// stopping the run.
	SkipDecodeErrors bool
	// Archiver, when set, receives every newly persisted event.
	Archiver Archiver
}

// Driver pulls messages from a source, applies them to the market and hands
// the results to the hub, the sink and the optional archiver. The sink send
// blocks when storage is behind so no event is ever lost to persistence;
// only broadcast consumers are allowed to lag.
type Driver struct {
	source    Source
	market    *market.Market
	hub       *hub.Hub
	sink      *storage.Sink
	cfg       DriverConfig
	log       *logger.Entry
	processed atomic.Uint64
	skipped   atomic.Uint64
	done      chan struct{}
}

// NewDriver wires a driver. hub, sink and cfg.Archiver may be nil in tests.
func NewDriver(source Source, mkt *market.Market, h *hub.Hub, sink *storage.Sink, cfg DriverConfig) *Driver {
	return &Driver{
		source: source,
		market: mkt,
		hub:    h,
		sink:   sink,
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("driver"),
		done:   make(chan struct{}),
	}
}

// Processed returns how many records have been applied so far.
func (d *Driver) Processed() uint64 {
	return d.processed.Load()
}

// Done is closed when Run returns.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Run drives the feed to completion. It returns nil at end of feed or on
// context cancellation; a decode error is returned only when the skip policy
// is off.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)

	for id, sym := range d.source.Symbols() {
		d.market.SetSymbol(id, sym)
	}
	if d.cfg.ResumeFrom > 0 {
		d.log.WithFields(logger.Fields{"resume_from": d.cfg.ResumeFrom}).Info("resuming after persisted sequence")
	}

	var seq uint64
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.logSummary(start, "ingest cancelled")
			return nil
		default:
		}

		msg, err := d.source.Next()
		if err == io.EOF {
			d.logSummary(start, "feed exhausted")
			return nil
		}
		if err != nil {
			var dec *DecodeError
			if errors.As(err, &dec) && d.cfg.SkipDecodeErrors {
				d.skipped.Add(1)
				d.log.WithError(err).Warn("skipping malformed record")
				continue
			}
			return errors.Wrap(err, "feed source")
		}

		seq++
		applyStart := time.Now()
		eff := d.market.Apply(msg)
		metrics.ObserveApply(time.Since(applyStart))
		metrics.IncrementProcessed()
		d.processed.Add(1)
		if eff.ErrorKind != "" {
			metrics.IncrementBookError(eff.ErrorKind)
		}

		if seq > d.cfg.ResumeFrom {
			ev := &models.MBOMsgEffect{Seq: seq, Msg: *msg, Effect: eff}
			if d.hub != nil {
				d.hub.Publish(ev)
			}
			if d.sink != nil {
				if err := d.sink.Enqueue(ctx, ev); err != nil {
					d.logSummary(start, "ingest cancelled while persisting")
					return nil
				}
			}
			if d.cfg.Archiver != nil {
				d.cfg.Archiver.Add(ev)
			}
		}

		if msg.IsLast() {
			d.logEventBbo(msg.Header.InstrumentID)
		}
	}
}

func (d *Driver) logEventBbo(instrument uint32) {
	bbo, ok := d.market.Bbo(instrument)
	if !ok {
		return
	}
	fields := logger.Fields{"instrument": instrument}
	if bbo.Symbol != "" {
		fields["symbol"] = bbo.Symbol
	}
	if bbo.Bid != nil {
		fields["bid"] = models.PriceString(bbo.Bid.Price)
		fields["bid_size"] = bbo.Bid.Size
	}
	if bbo.Ask != nil {
		fields["ask"] = models.PriceString(bbo.Ask.Price)
		fields["ask_size"] = bbo.Ask.Size
	}
	d.log.WithFields(fields).Info("bbo")
}

func (d *Driver) logSummary(start time.Time, msg string) {
	d.log.WithFields(logger.Fields{
		"processed":   d.processed.Load(),
		"skipped":     d.skipped.Load(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info(msg)
}
