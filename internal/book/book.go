// Package book implements a single-publisher market-by-order price ladder.
// Every successful Add, Cancel or Modify returns an effect precise enough to
// undo it, so a sequence of such messages can be rolled back in reverse order
// and leave the ladder byte-for-byte where it started. Clear returns no effect
// and cannot be undone.
package book

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"mboflow/models"
)

const btreeDegree = 8

// Book is one publisher's view of one instrument. It is not safe for
// concurrent use; the market serialises access to it.
type Book struct {
	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]
	byID map[uint64]*models.MboMsg
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewG(btreeDegree, lessByPrice),
		asks: btree.NewG(btreeDegree, lessByPrice),
		byID: make(map[uint64]*models.MboMsg),
	}
}

func (b *Book) tree(side models.Side) *btree.BTreeG[*level] {
	if side == models.SideBid {
		return b.bids
	}
	return b.asks
}

func (b *Book) getLevel(side models.Side, price int64) (*level, bool) {
	return b.tree(side).Get(&level{price: price})
}

func (b *Book) getOrCreateLevel(side models.Side, price int64) *level {
	if lvl, ok := b.getLevel(side, price); ok {
		return lvl
	}
	lvl := newLevel(price)
	b.tree(side).ReplaceOrInsert(lvl)
	return lvl
}

func (b *Book) dropIfEmpty(side models.Side, lvl *level) {
	if lvl.orders.Len() == 0 {
		b.tree(side).Delete(lvl)
	}
}

// wouldCross reports whether resting an order at price on side would leave
// the best bid at or above the best ask.
func (b *Book) wouldCross(side models.Side, price int64) bool {
	switch side {
	case models.SideBid:
		if best, ok := b.asks.Min(); ok {
			return price >= best.price
		}
	case models.SideAsk:
		if best, ok := b.bids.Max(); ok {
			return price <= best.price
		}
	}
	return false
}

// Apply routes one message into the ladder. Trade, Fill and None touch
// nothing and return a nil effect; Clear wipes the ladder and also returns a
// nil effect. On any error the ladder is exactly as it was before the call.
func (b *Book) Apply(msg *models.MboMsg) (*models.BookEffect, error) {
	switch msg.Action {
	case models.ActionAdd:
		return b.add(msg)
	case models.ActionCancel:
		return b.cancel(msg)
	case models.ActionModify:
		return b.modify(msg)
	case models.ActionClear:
		b.Clear()
		return nil, nil
	default:
		return nil, nil
	}
}

func (b *Book) add(msg *models.MboMsg) (*models.BookEffect, error) {
	if msg.Side != models.SideBid && msg.Side != models.SideAsk {
		return nil, errors.Wrapf(ErrInvalidSide, "add order %d", msg.OrderID)
	}
	if msg.Size == 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "add order %d", msg.OrderID)
	}
	if _, ok := b.byID[msg.OrderID]; ok {
		return nil, errors.Wrapf(ErrDuplicateOrder, "add order %d", msg.OrderID)
	}
	if b.wouldCross(msg.Side, msg.Price) {
		return nil, errors.Wrapf(ErrWouldCross, "add order %d at %d", msg.OrderID, msg.Price)
	}

	rest := *msg
	lvl := b.getOrCreateLevel(rest.Side, rest.Price)
	lvl.orders.PushBack(&rest)
	b.byID[rest.OrderID] = &rest

	return &models.BookEffect{
		Kind:     models.BookEffectAdd,
		OrderID:  rest.OrderID,
		Side:     rest.Side,
		Price:    rest.Price,
		Size:     rest.Size,
		QueuePos: lvl.orders.Len() - 1,
	}, nil
}

func (b *Book) cancel(msg *models.MboMsg) (*models.BookEffect, error) {
	rest, ok := b.byID[msg.OrderID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOrder, "cancel order %d", msg.OrderID)
	}
	lvl, _ := b.getLevel(rest.Side, rest.Price)
	pos := lvl.indexOf(rest.OrderID)

	if msg.Size >= rest.Size {
		// Oversize cancels clamp to the resting quantity and remove the
		// order outright.
		removed := *rest
		lvl.orders.Remove(pos)
		b.dropIfEmpty(rest.Side, lvl)
		delete(b.byID, rest.OrderID)
		return &models.BookEffect{
			Kind:     models.BookEffectCancel,
			OrderID:  removed.OrderID,
			Side:     removed.Side,
			Price:    removed.Price,
			Size:     removed.Size,
			QueuePos: pos,
			Removed:  &removed,
		}, nil
	}

	rest.Size -= msg.Size
	return &models.BookEffect{
		Kind:     models.BookEffectCancel,
		OrderID:  rest.OrderID,
		Side:     rest.Side,
		Price:    rest.Price,
		Size:     msg.Size,
		QueuePos: pos,
	}, nil
}

func (b *Book) modify(msg *models.MboMsg) (*models.BookEffect, error) {
	rest, ok := b.byID[msg.OrderID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOrder, "modify order %d", msg.OrderID)
	}
	if msg.Size == 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "modify order %d", msg.OrderID)
	}

	if msg.Price == rest.Price {
		// Size-only change keeps the order's place in the queue.
		lvl, _ := b.getLevel(rest.Side, rest.Price)
		eff := &models.BookEffect{
			Kind:     models.BookEffectModify,
			OrderID:  rest.OrderID,
			Side:     rest.Side,
			OldPrice: rest.Price,
			OldSize:  rest.Size,
			NewPrice: msg.Price,
			NewSize:  msg.Size,
			QueuePos: lvl.indexOf(rest.OrderID),
		}
		rest.Size = msg.Size
		return eff, nil
	}

	if b.wouldCross(rest.Side, msg.Price) {
		return nil, errors.Wrapf(ErrWouldCross, "modify order %d to %d", msg.OrderID, msg.Price)
	}

	oldLvl, _ := b.getLevel(rest.Side, rest.Price)
	pos := oldLvl.indexOf(rest.OrderID)
	eff := &models.BookEffect{
		Kind:     models.BookEffectModify,
		OrderID:  rest.OrderID,
		Side:     rest.Side,
		OldPrice: rest.Price,
		OldSize:  rest.Size,
		NewPrice: msg.Price,
		NewSize:  msg.Size,
		QueuePos: pos,
	}

	oldLvl.orders.Remove(pos)
	b.dropIfEmpty(rest.Side, oldLvl)
	rest.Price = msg.Price
	rest.Size = msg.Size
	b.getOrCreateLevel(rest.Side, rest.Price).orders.PushBack(rest)
	return eff, nil
}

// Unapply reverses a single effect. Effects must be unapplied in strict
// reverse order of their application for positions to line up.
func (b *Book) Unapply(eff *models.BookEffect) error {
	switch eff.Kind {
	case models.BookEffectAdd:
		rest, ok := b.byID[eff.OrderID]
		if !ok {
			return errors.Wrapf(ErrUnknownOrder, "unapply add %d", eff.OrderID)
		}
		lvl, _ := b.getLevel(rest.Side, rest.Price)
		lvl.orders.Remove(lvl.indexOf(rest.OrderID))
		b.dropIfEmpty(rest.Side, lvl)
		delete(b.byID, rest.OrderID)
		return nil

	case models.BookEffectCancel:
		if eff.Removed != nil {
			restore := *eff.Removed
			lvl := b.getOrCreateLevel(restore.Side, restore.Price)
			pos := eff.QueuePos
			if pos > lvl.orders.Len() {
				pos = lvl.orders.Len()
			}
			lvl.orders.Insert(pos, &restore)
			b.byID[restore.OrderID] = &restore
			return nil
		}
		rest, ok := b.byID[eff.OrderID]
		if !ok {
			return errors.Wrapf(ErrUnknownOrder, "unapply cancel %d", eff.OrderID)
		}
		rest.Size += eff.Size
		return nil

	case models.BookEffectModify:
		rest, ok := b.byID[eff.OrderID]
		if !ok {
			return errors.Wrapf(ErrUnknownOrder, "unapply modify %d", eff.OrderID)
		}
		if eff.OldPrice == eff.NewPrice {
			rest.Size = eff.OldSize
			return nil
		}
		newLvl, _ := b.getLevel(eff.Side, eff.NewPrice)
		newLvl.orders.Remove(newLvl.indexOf(eff.OrderID))
		b.dropIfEmpty(eff.Side, newLvl)
		rest.Price = eff.OldPrice
		rest.Size = eff.OldSize
		oldLvl := b.getOrCreateLevel(eff.Side, eff.OldPrice)
		pos := eff.QueuePos
		if pos > oldLvl.orders.Len() {
			pos = oldLvl.orders.Len()
		}
		oldLvl.orders.Insert(pos, rest)
		return nil
	}
	return errors.Errorf("unknown effect kind %q", eff.Kind)
}

// Clear removes every resting order and returns how many were dropped.
func (b *Book) Clear() uint64 {
	n := uint64(len(b.byID))
	b.bids.Clear(false)
	b.asks.Clear(false)
	b.byID = make(map[uint64]*models.MboMsg)
	return n
}

// OrderCount returns the number of resting orders.
func (b *Book) OrderCount() int {
	return len(b.byID)
}

// BestBid returns the highest bid level, or nil when no bids rest.
func (b *Book) BestBid() *models.PriceLevel {
	if lvl, ok := b.bids.Max(); ok {
		return lvl.fold()
	}
	return nil
}

// BestAsk returns the lowest ask level, or nil when no asks rest.
func (b *Book) BestAsk() *models.PriceLevel {
	if lvl, ok := b.asks.Min(); ok {
		return lvl.fold()
	}
	return nil
}

// BidLevel returns the i-th best bid level counting from zero, or nil.
func (b *Book) BidLevel(i int) *models.PriceLevel {
	var out *models.PriceLevel
	b.bids.Descend(func(lvl *level) bool {
		if i == 0 {
			out = lvl.fold()
			return false
		}
		i--
		return true
	})
	return out
}

// AskLevel returns the i-th best ask level counting from zero, or nil.
func (b *Book) AskLevel(i int) *models.PriceLevel {
	var out *models.PriceLevel
	b.asks.Ascend(func(lvl *level) bool {
		if i == 0 {
			out = lvl.fold()
			return false
		}
		i--
		return true
	})
	return out
}

// Snapshot folds up to n levels per side, best first. n <= 0 folds every
// level.
func (b *Book) Snapshot(n int) (bids, asks []*models.PriceLevel) {
	take := func(levels *[]*models.PriceLevel) func(*level) bool {
		return func(lvl *level) bool {
			*levels = append(*levels, lvl.fold())
			return n <= 0 || len(*levels) < n
		}
	}
	b.bids.Descend(take(&bids))
	b.asks.Ascend(take(&asks))
	return bids, asks
}

// Order returns a copy of the resting order with the given id.
func (b *Book) Order(id uint64) (models.MboMsg, bool) {
	rest, ok := b.byID[id]
	if !ok {
		return models.MboMsg{}, false
	}
	return *rest, true
}

// QueuePos returns the order's position in its price level queue, front
// first.
func (b *Book) QueuePos(id uint64) (int, bool) {
	rest, ok := b.byID[id]
	if !ok {
		return 0, false
	}
	lvl, ok := b.getLevel(rest.Side, rest.Price)
	if !ok {
		return 0, false
	}
	return lvl.indexOf(id), true
}
