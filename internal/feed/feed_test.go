package feed

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"mboflow/internal/hub"
	"mboflow/internal/market"
	"mboflow/models"
)

const sampleFeed = `{"metadata":{"symbols":{"100":"TESTH6"}}}
{"hd":{"publisher_id":1,"instrument_id":100,"ts_event":"1"},"order_id":"1","price":"100","size":10,"flags":0,"action":"A","side":"B","ts_recv":"1","sequence":1}

{"hd":{"publisher_id":1,"instrument_id":100,"ts_event":"2"},"order_id":"2","price":"105","size":5,"flags":128,"action":"A","side":"A","ts_recv":"2","sequence":2}
`

func writeFeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.ndjson")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return path
}

func TestFileSourceReadsRecords(t *testing.T) {
	src, err := OpenFile(writeFeed(t, sampleFeed))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if sym := src.Symbols()[100]; sym != "TESTH6" {
		t.Errorf("symbol = %q", sym)
	}

	first, err := src.Next()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.OrderID != 1 || first.Side != models.SideBid {
		t.Fatalf("first record = %+v", first)
	}
	second, err := src.Next()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.OrderID != 2 || !second.IsLast() {
		t.Fatalf("second record = %+v", second)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Fatalf("end err = %v, want EOF", err)
	}
}

func TestFileSourceReset(t *testing.T) {
	src, err := OpenFile(writeFeed(t, sampleFeed))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	for {
		if _, err := src.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if err := src.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	msg, err := src.Next()
	if err != nil || msg.OrderID != 1 {
		t.Fatalf("after reset: %+v err = %v", msg, err)
	}
	if sym := src.Symbols()[100]; sym != "TESTH6" {
		t.Errorf("symbols lost across reset: %q", sym)
	}
}

func TestFileSourceWithoutMetadata(t *testing.T) {
	content := `{"hd":{"publisher_id":1,"instrument_id":100,"ts_event":"1"},"order_id":"7","price":"100","size":1,"action":"A","side":"B","ts_recv":"1"}` + "\n"
	src, err := OpenFile(writeFeed(t, content))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if src.Symbols() != nil {
		t.Error("no metadata line should mean nil symbols")
	}
	msg, err := src.Next()
	if err != nil || msg.OrderID != 7 {
		t.Fatalf("record = %+v err = %v", msg, err)
	}
}

func TestFileSourceDecodeError(t *testing.T) {
	content := `{"metadata":{"symbols":{}}}` + "\n" + `{not json}` + "\n"
	src, err := OpenFile(writeFeed(t, content))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	_, err = src.Next()
	var dec *DecodeError
	if !errors.As(err, &dec) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if dec.Line != 2 {
		t.Errorf("line = %d, want 2", dec.Line)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(
		&models.MboMsg{OrderID: 1},
		&models.MboMsg{OrderID: 2},
	)
	a, _ := src.Next()
	b, _ := src.Next()
	if a.OrderID != 1 || b.OrderID != 2 {
		t.Fatalf("order = %d, %d", a.OrderID, b.OrderID)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Fatalf("end err = %v", err)
	}
	src.Reset()
	if m, _ := src.Next(); m.OrderID != 1 {
		t.Fatal("reset did not rewind")
	}
}

func addMsg(id uint64, price int64, size uint64) *models.MboMsg {
	return &models.MboMsg{
		Header:  models.Header{PublisherID: 1, InstrumentID: 100},
		OrderID: id,
		Price:   price,
		Size:    size,
		Action:  models.ActionAdd,
		Side:    models.SideBid,
	}
}

func TestDriverAppliesFeed(t *testing.T) {
	mkt := market.New()
	src := NewSliceSource(addMsg(1, 100, 10), addMsg(2, 99, 5))
	d := NewDriver(src, mkt, nil, nil, DriverConfig{})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Processed() != 2 {
		t.Fatalf("processed = %d", d.Processed())
	}
	bbo, ok := mkt.Bbo(100)
	if !ok || bbo.Bid == nil || bbo.Bid.Price != 100 {
		t.Fatalf("bbo = %+v", bbo)
	}
}

func TestDriverPublishesWithSeq(t *testing.T) {
	mkt := market.New()
	h := hub.New(0, 16)
	sub, err := h.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	src := NewSliceSource(addMsg(1, 100, 10), addMsg(2, 99, 5))
	d := NewDriver(src, mkt, h, nil, DriverConfig{})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for want := uint64(1); want <= 2; want++ {
		env, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if env.Event.Seq != want {
			t.Fatalf("seq = %d, want %d", env.Event.Seq, want)
		}
		if env.Event.Msg.OrderID != want {
			t.Fatalf("order id = %d", env.Event.Msg.OrderID)
		}
	}
}

func TestDriverResumeSkipsPersistedRecords(t *testing.T) {
	mkt := market.New()
	h := hub.New(0, 16)
	sub, _ := h.Subscribe()
	defer sub.Close()

	src := NewSliceSource(addMsg(1, 100, 10), addMsg(2, 99, 5), addMsg(3, 98, 1))
	d := NewDriver(src, mkt, h, nil, DriverConfig{ResumeFrom: 2})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Books still rebuilt from the skipped records.
	bbo, _ := mkt.Bbo(100)
	if bbo.Bid == nil || bbo.Bid.Price != 100 {
		t.Fatalf("bbo after resume = %+v", bbo)
	}

	// Only the new record is broadcast.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.Event.Seq != 3 {
		t.Fatalf("first broadcast seq = %d, want 3", env.Event.Seq)
	}
}

// failingSource yields one good record, then a decode error, then EOF.
type failingSource struct {
	state int
}

func (f *failingSource) Next() (*models.MboMsg, error) {
	f.state++
	switch f.state {
	case 1:
		return addMsg(1, 100, 10), nil
	case 2:
		return nil, &DecodeError{Line: 2, Err: errors.New("bad record")}
	default:
		return nil, io.EOF
	}
}

func (f *failingSource) Reset() error               { f.state = 0; return nil }
func (f *failingSource) Symbols() map[uint32]string { return nil }
func (f *failingSource) Close() error               { return nil }

func TestDriverDecodeErrorAborts(t *testing.T) {
	d := NewDriver(&failingSource{}, market.New(), nil, nil, DriverConfig{})
	err := d.Run(context.Background())
	var dec *DecodeError
	if !errors.As(err, &dec) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if d.Processed() != 1 {
		t.Fatalf("processed = %d", d.Processed())
	}
}

func TestDriverDecodeErrorSkips(t *testing.T) {
	d := NewDriver(&failingSource{}, market.New(), nil, nil, DriverConfig{SkipDecodeErrors: true})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Processed() != 1 {
		t.Fatalf("processed = %d", d.Processed())
	}
}

func TestDriverHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDriver(NewSliceSource(addMsg(1, 100, 10)), market.New(), nil, nil, DriverConfig{})
	if err := d.Run(ctx); err != nil {
		t.Fatalf("cancelled run: %v", err)
	}
	if d.Processed() != 0 {
		t.Fatalf("processed = %d after pre-cancelled ctx", d.Processed())
	}
}
