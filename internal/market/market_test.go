package market

import (
	"testing"

	"mboflow/models"
)

func msg(pub uint16, inst uint32, action models.Action, side models.Side, id uint64, price int64, size uint64) *models.MboMsg {
	return &models.MboMsg{
		Header:  models.Header{PublisherID: pub, InstrumentID: inst},
		OrderID: id,
		Price:   price,
		Size:    size,
		Action:  action,
		Side:    side,
	}
}

func TestApplyCreatesPublisherOnce(t *testing.T) {
	m := New()

	eff := m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	if eff.PublisherCreated == nil || *eff.PublisherCreated != 1 {
		t.Fatalf("first message should create publisher, eff = %+v", eff)
	}
	eff = m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 2, 99, 10))
	if eff.PublisherCreated != nil {
		t.Fatal("second message must not create the publisher again")
	}
	eff = m.Apply(msg(2, 100, models.ActionAdd, models.SideBid, 1, 100, 5))
	if eff.PublisherCreated == nil || *eff.PublisherCreated != 2 {
		t.Fatal("new publisher on same instrument should create a book")
	}
}

func TestApplySurfacesBookErrors(t *testing.T) {
	m := New()
	eff := m.Apply(msg(1, 100, models.ActionCancel, models.SideBid, 42, 100, 1))
	if eff.ErrorKind != "unknown_order" {
		t.Fatalf("error kind = %q", eff.ErrorKind)
	}
	if eff.Book != nil {
		t.Fatal("refused message must carry no book effect")
	}
}

func TestAggregatedBbo(t *testing.T) {
	m := New()
	// Publisher 1: bid 100x10, ask 105x7.
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(1, 100, models.ActionAdd, models.SideAsk, 2, 105, 7))
	// Publisher 2: bid 100x5 (ties best bid), ask 104x3 (beats best ask).
	m.Apply(msg(2, 100, models.ActionAdd, models.SideBid, 1, 100, 5))
	m.Apply(msg(2, 100, models.ActionAdd, models.SideAsk, 2, 104, 3))

	bbo, ok := m.Bbo(100)
	if !ok {
		t.Fatal("bbo missing")
	}
	if bbo.Bid == nil || bbo.Bid.Price != 100 || bbo.Bid.Size != 15 || bbo.Bid.Count != 2 {
		t.Fatalf("aggregated bid = %+v, want 100 x 15 (2)", bbo.Bid)
	}
	if bbo.Ask == nil || bbo.Ask.Price != 104 || bbo.Ask.Size != 3 || bbo.Ask.Count != 1 {
		t.Fatalf("aggregated ask = %+v, want 104 x 3 (1)", bbo.Ask)
	}
}

func TestBboEmptySides(t *testing.T) {
	m := New()
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))

	bbo, ok := m.Bbo(100)
	if !ok || bbo.Bid == nil {
		t.Fatal("bid side should be present")
	}
	if bbo.Ask != nil {
		t.Fatalf("ask side should be nil, got %+v", bbo.Ask)
	}
	if _, ok := m.Bbo(999); ok {
		t.Fatal("unknown instrument must report not found")
	}
}

func TestClearCount(t *testing.T) {
	m := New()
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(1, 100, models.ActionAdd, models.SideAsk, 2, 105, 10))

	eff := m.Apply(msg(1, 100, models.ActionClear, models.SideNone, 0, 0, 0))
	if eff.Cleared == nil || *eff.Cleared != 2 {
		t.Fatalf("cleared = %+v, want 2", eff.Cleared)
	}
	bbo, _ := m.Bbo(100)
	if bbo.Bid != nil || bbo.Ask != nil {
		t.Fatal("clear left levels behind")
	}
}

func TestClearScopedToPublisher(t *testing.T) {
	m := New()
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(2, 100, models.ActionAdd, models.SideBid, 1, 99, 5))

	m.Apply(msg(1, 100, models.ActionClear, models.SideNone, 0, 0, 0))
	bbo, _ := m.Bbo(100)
	if bbo.Bid == nil || bbo.Bid.Price != 99 {
		t.Fatalf("clear on publisher 1 touched publisher 2: %+v", bbo.Bid)
	}
}

func TestBookSnapshotAndLookups(t *testing.T) {
	m := New()
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 2, 100, 20))
	m.Apply(msg(1, 100, models.ActionAdd, models.SideAsk, 3, 105, 7))

	pb, ok := m.BookSnapshot(100, 1, 0)
	if !ok {
		t.Fatal("snapshot missing")
	}
	if len(pb.Bids) != 1 || pb.Bids[0].Size != 30 || len(pb.Asks) != 1 {
		t.Fatalf("snapshot = %+v", pb)
	}
	if _, ok := m.BookSnapshot(100, 9, 0); ok {
		t.Fatal("unknown publisher must report not found")
	}

	o, ok := m.Order(100, 1, 2)
	if !ok || o.Size != 20 {
		t.Fatalf("order lookup = %+v ok=%v", o, ok)
	}
	pos, ok := m.QueuePos(100, 1, 2)
	if !ok || pos != 1 {
		t.Fatalf("queue pos = %d ok=%v", pos, ok)
	}
}

func TestExport(t *testing.T) {
	m := New()
	m.SetSymbol(100, "TEST")
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(2, 100, models.ActionAdd, models.SideAsk, 1, 105, 7))
	m.Apply(msg(1, 200, models.ActionAdd, models.SideBid, 9, 50, 1))

	snaps := m.Export(0)
	if len(snaps) != 2 {
		t.Fatalf("export instruments = %d", len(snaps))
	}
	if snaps[0].InstrumentID != 100 || snaps[1].InstrumentID != 200 {
		t.Fatalf("export order = %d, %d", snaps[0].InstrumentID, snaps[1].InstrumentID)
	}
	first := snaps[0]
	if first.Symbol != "TEST" {
		t.Errorf("symbol = %q", first.Symbol)
	}
	if len(first.Publishers) != 2 {
		t.Fatalf("publishers = %d", len(first.Publishers))
	}
	if first.Publishers[0].PublisherID != 1 || first.Publishers[1].PublisherID != 2 {
		t.Fatal("publishers must keep arrival order")
	}
	if first.Bbo == nil || first.Bbo.Bid.Price != 100 || first.Bbo.Ask.Price != 105 {
		t.Fatalf("export bbo = %+v", first.Bbo)
	}
}

func TestInstruments(t *testing.T) {
	m := New()
	m.Apply(msg(1, 300, models.ActionAdd, models.SideBid, 1, 100, 10))
	m.Apply(msg(1, 100, models.ActionAdd, models.SideBid, 1, 100, 10))

	ids := m.Instruments()
	if len(ids) != 2 || ids[0] != 100 || ids[1] != 300 {
		t.Fatalf("instruments = %v", ids)
	}
}
