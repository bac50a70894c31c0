package archive

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mboflow/config"
	"mboflow/models"
)

func testEvent(seq uint64, instrument uint32) *models.MBOMsgEffect {
	return &models.MBOMsgEffect{
		Seq: seq,
		Msg: models.MboMsg{
			Header: models.Header{
				PublisherID:  1,
				InstrumentID: instrument,
				TsEvent:      1700000000000000000,
			},
			OrderID: 42,
			Price:   100_000_000_000,
			Size:    7,
			Action:  models.ActionAdd,
			Side:    models.SideBid,
			TsRecv:  1700000000000000100,
		},
		Effect: models.MarketEffect{
			Book: &models.BookEffect{
				Kind:    models.BookEffectAdd,
				OrderID: 42,
				Side:    models.SideBid,
				Price:   100_000_000_000,
				Size:    7,
			},
		},
	}
}

type uploadCapture struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (u *uploadCapture) fn(ctx context.Context, key string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	u.data = append(u.data, data)
	return nil
}

func TestToRecordMapsFields(t *testing.T) {
	w := newWriter(config.ArchiveConfig{}, func(uint32) string { return "TESTH6" })
	rec := w.toRecord(testEvent(9, 100))

	if rec.Seq != 9 || rec.InstrumentID != 100 || rec.OrderID != 42 {
		t.Errorf("identity fields = %+v", rec)
	}
	if rec.Symbol != "TESTH6" {
		t.Errorf("symbol = %q", rec.Symbol)
	}
	if rec.Action != "A" || rec.Side != "B" {
		t.Errorf("action/side = %q/%q", rec.Action, rec.Side)
	}
	if rec.Price != 100_000_000_000 || rec.Size != 7 {
		t.Errorf("price/size = %d/%d", rec.Price, rec.Size)
	}
	if rec.EffectKind != "add" {
		t.Errorf("effect kind = %q", rec.EffectKind)
	}
	if rec.ErrorKind != "" {
		t.Errorf("error kind = %q", rec.ErrorKind)
	}
}

func TestToRecordCarriesErrorKind(t *testing.T) {
	w := newWriter(config.ArchiveConfig{}, nil)
	ev := testEvent(1, 100)
	ev.Effect.Book = nil
	ev.Effect.ErrorKind = "unknown_order"

	rec := w.toRecord(ev)
	if rec.EffectKind != "" || rec.ErrorKind != "unknown_order" {
		t.Errorf("record = %+v", rec)
	}
}

func TestObjectKeyPartitions(t *testing.T) {
	w := newWriter(config.ArchiveConfig{Prefix: "mboflow"}, func(id uint32) string {
		if id == 100 {
			return "TESTH6"
		}
		return ""
	})
	ts := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)

	key := w.objectKey(100, ts, "batch-1")
	want := "mboflow/instrument=TESTH6/year=2026/month=02/day=03/"
	if !strings.HasPrefix(key, want) {
		t.Errorf("key = %q, want prefix %q", key, want)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key = %q, want .parquet suffix", key)
	}

	// Unknown instruments fall back to the numeric id.
	key = w.objectKey(999, ts, "batch-2")
	if !strings.Contains(key, "instrument=999") {
		t.Errorf("key = %q, want numeric instrument partition", key)
	}
}

func TestFlushUploadsParquet(t *testing.T) {
	capture := &uploadCapture{}
	w := newWriter(config.ArchiveConfig{Prefix: "mboflow", BatchSize: 100}, func(uint32) string { return "TESTH6" })
	w.upload = capture.fn

	w.Start(context.Background())
	for seq := uint64(1); seq <= 5; seq++ {
		w.Add(testEvent(seq, 100))
	}
	w.Stop()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.keys) != 1 {
		t.Fatalf("uploads = %d, want 1", len(capture.keys))
	}
	if !strings.Contains(capture.keys[0], "instrument=TESTH6") {
		t.Errorf("key = %q", capture.keys[0])
	}
	data := capture.data[0]
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Errorf("payload is not a parquet file, %d bytes", len(data))
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	capture := &uploadCapture{}
	w := newWriter(config.ArchiveConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)
	w.upload = capture.fn

	w.Start(context.Background())
	w.Add(testEvent(1, 100))
	w.Add(testEvent(2, 100))

	deadline := time.Now().Add(2 * time.Second)
	for {
		capture.mu.Lock()
		n := len(capture.keys)
		capture.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("size flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
}

func TestFlushSplitsPerInstrument(t *testing.T) {
	capture := &uploadCapture{}
	w := newWriter(config.ArchiveConfig{BatchSize: 100}, nil)
	w.upload = capture.fn

	w.Start(context.Background())
	w.Add(testEvent(1, 100))
	w.Add(testEvent(2, 200))
	w.Stop()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.keys) != 2 {
		t.Fatalf("uploads = %d, want one per instrument", len(capture.keys))
	}
	joined := strings.Join(capture.keys, " ")
	if !strings.Contains(joined, "instrument=100") || !strings.Contains(joined, "instrument=200") {
		t.Errorf("keys = %v", capture.keys)
	}
}

func TestAddNeverBlocks(t *testing.T) {
	w := newWriter(config.ArchiveConfig{}, nil)
	// No collector running, so the intake fills up and overflow is dropped.
	for i := 0; i < cap(w.in)+10; i++ {
		w.Add(testEvent(uint64(i), 100))
	}
	if n := w.dropped.Load(); n != 10 {
		t.Errorf("dropped = %d, want 10", n)
	}
}
