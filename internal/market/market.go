// Package market routes messages to per-publisher books and aggregates
// their tops into one view per instrument.
package market

import (
	"sort"
	"sync"

	"mboflow/internal/book"
	"mboflow/logger"
	"mboflow/models"
)

// entry pairs a publisher id with its book. Entries keep arrival order so a
// snapshot lists publishers in the order they first appeared.
type entry struct {
	publisher uint16
	book      *book.Book
}

// Market holds every instrument's books behind one lock. Applies take the
// write side; queries share the read side and see a consistent view.
type Market struct {
	mu      sync.RWMutex
	books   map[uint32][]*entry
	symbols map[uint32]string
	log     *logger.Entry
}

// New returns an empty market.
func New() *Market {
	return &Market{
		books:   make(map[uint32][]*entry),
		symbols: make(map[uint32]string),
		log:     logger.GetLogger().WithComponent("market"),
	}
}

func (m *Market) findEntry(instrument uint32, publisher uint16) *entry {
	for _, e := range m.books[instrument] {
		if e.publisher == publisher {
			return e
		}
	}
	return nil
}

// Apply routes one message to its publisher's book and reports what
// happened. Book errors are recoverable: they are logged, recorded on the
// effect and leave every book untouched.
func (m *Market) Apply(msg *models.MboMsg) models.MarketEffect {
	m.mu.Lock()
	defer m.mu.Unlock()

	instrument := msg.Header.InstrumentID
	publisher := msg.Header.PublisherID

	var eff models.MarketEffect
	e := m.findEntry(instrument, publisher)
	if e == nil {
		e = &entry{publisher: publisher, book: book.New()}
		m.books[instrument] = append(m.books[instrument], e)
		created := publisher
		eff.PublisherCreated = &created
		m.log.WithFields(logger.Fields{
			"instrument": instrument,
			"publisher":  models.PublisherName(publisher),
		}).Info("created book for new publisher")
	}

	if msg.Action == models.ActionClear {
		cleared := uint64(e.book.OrderCount())
		eff.Cleared = &cleared
	}

	bookEff, err := e.book.Apply(msg)
	if err != nil {
		eff.ErrorKind = book.ErrorKind(err)
		m.log.WithError(err).WithFields(logger.Fields{
			"instrument": instrument,
			"publisher":  models.PublisherName(publisher),
			"order_id":   msg.OrderID,
			"action":     msg.Action.String(),
		}).Warn("message refused by book")
		return eff
	}
	eff.Book = bookEff

	if bookEff != nil && bookEff.Removed != nil && msg.Size > bookEff.Size {
		m.log.WithFields(logger.Fields{
			"instrument": instrument,
			"order_id":   msg.OrderID,
			"requested":  msg.Size,
			"resting":    bookEff.Size,
		}).Warn("cancel clamped to resting size")
	}
	return eff
}

// SetSymbol records the instrument's display symbol learned from feed
// metadata.
func (m *Market) SetSymbol(instrument uint32, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[instrument] = symbol
}

// Symbol returns the display symbol for an instrument, if one was learned.
func (m *Market) Symbol(instrument uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.symbols[instrument]
	return s, ok
}

// Instruments lists every instrument seen so far, ascending.
func (m *Market) Instruments() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint32, 0, len(m.books))
	for id := range m.books {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bbo aggregates the best bid and offer across an instrument's publishers.
// The best price wins; publishers quoting exactly that price pool their size
// and order count.
func (m *Market) Bbo(instrument uint32) (*models.Bbo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.books[instrument]
	if !ok {
		return nil, false
	}
	out := &models.Bbo{InstrumentID: instrument, Symbol: m.symbols[instrument]}
	for _, e := range entries {
		out.Bid = mergeBest(out.Bid, e.book.BestBid(), func(a, b int64) bool { return a > b })
		out.Ask = mergeBest(out.Ask, e.book.BestAsk(), func(a, b int64) bool { return a < b })
	}
	return out, true
}

func mergeBest(acc, next *models.PriceLevel, better func(a, b int64) bool) *models.PriceLevel {
	if next == nil {
		return acc
	}
	if acc == nil || better(next.Price, acc.Price) {
		cp := *next
		return &cp
	}
	if next.Price == acc.Price {
		acc.Size += next.Size
		acc.Count += next.Count
	}
	return acc
}

// PublisherBook is one publisher's folded ladder inside a snapshot.
type PublisherBook struct {
	PublisherID uint16               `json:"publisher_id"`
	Publisher   string               `json:"publisher"`
	Bids        []*models.PriceLevel `json:"bids"`
	Asks        []*models.PriceLevel `json:"asks"`
}

// InstrumentSnapshot is the full state of one instrument.
type InstrumentSnapshot struct {
	InstrumentID uint32          `json:"instrument_id"`
	Symbol       string          `json:"symbol,omitempty"`
	Bbo          *models.Bbo     `json:"bbo"`
	Publishers   []PublisherBook `json:"publishers"`
}

// BookSnapshot folds one publisher's ladder to the given depth. depth <= 0
// folds every level.
func (m *Market) BookSnapshot(instrument uint32, publisher uint16, depth int) (*PublisherBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.findEntry(instrument, publisher)
	if e == nil {
		return nil, false
	}
	return foldEntry(e, depth), true
}

func foldEntry(e *entry, depth int) *PublisherBook {
	bids, asks := e.book.Snapshot(depth)
	if bids == nil {
		bids = []*models.PriceLevel{}
	}
	if asks == nil {
		asks = []*models.PriceLevel{}
	}
	return &PublisherBook{
		PublisherID: e.publisher,
		Publisher:   models.PublisherName(e.publisher),
		Bids:        bids,
		Asks:        asks,
	}
}

// Order returns a copy of a resting order on one publisher's book.
func (m *Market) Order(instrument uint32, publisher uint16, orderID uint64) (models.MboMsg, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.findEntry(instrument, publisher)
	if e == nil {
		return models.MboMsg{}, false
	}
	return e.book.Order(orderID)
}

// QueuePos returns an order's position in its price level queue.
func (m *Market) QueuePos(instrument uint32, publisher uint16, orderID uint64) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.findEntry(instrument, publisher)
	if e == nil {
		return 0, false
	}
	return e.book.QueuePos(orderID)
}

// Export folds the whole market, every instrument and publisher, under one
// read lock so the result is internally consistent. depth <= 0 folds full
// ladders.
func (m *Market) Export(depth int) []InstrumentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, len(m.books))
	for id := range m.books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]InstrumentSnapshot, 0, len(ids))
	for _, id := range ids {
		snap := InstrumentSnapshot{
			InstrumentID: id,
			Symbol:       m.symbols[id],
			Publishers:   make([]PublisherBook, 0, len(m.books[id])),
		}
		bbo := &models.Bbo{InstrumentID: id, Symbol: m.symbols[id]}
		for _, e := range m.books[id] {
			snap.Publishers = append(snap.Publishers, *foldEntry(e, depth))
			bbo.Bid = mergeBest(bbo.Bid, e.book.BestBid(), func(a, b int64) bool { return a > b })
			bbo.Ask = mergeBest(bbo.Ask, e.book.BestAsk(), func(a, b int64) bool { return a < b })
		}
		snap.Bbo = bbo
		out = append(out, snap)
	}
	return out
}
