package models

import (
	"encoding/json"
	"testing"
)

func TestSideRoundTrip(t *testing.T) {
	cases := []struct {
		side Side
		wire string
	}{
		{SideBid, `"B"`},
		{SideAsk, `"A"`},
		{SideNone, `"N"`},
	}
	for _, c := range cases {
		got, err := json.Marshal(c.side)
		if err != nil {
			t.Fatalf("marshal %v: %v", c.side, err)
		}
		if string(got) != c.wire {
			t.Errorf("marshal %v = %s, want %s", c.side, got, c.wire)
		}
		var back Side
		if err := json.Unmarshal([]byte(c.wire), &back); err != nil {
			t.Fatalf("unmarshal %s: %v", c.wire, err)
		}
		if back != c.side {
			t.Errorf("unmarshal %s = %v, want %v", c.wire, back, c.side)
		}
	}
}

func TestSideUnknown(t *testing.T) {
	var s Side
	if err := json.Unmarshal([]byte(`"X"`), &s); err == nil {
		t.Fatal("expected error for unknown side")
	}
}

func TestActionRoundTrip(t *testing.T) {
	wires := map[Action]string{
		ActionAdd:    `"A"`,
		ActionCancel: `"C"`,
		ActionModify: `"M"`,
		ActionClear:  `"R"`,
		ActionTrade:  `"T"`,
		ActionFill:   `"F"`,
		ActionNone:   `"N"`,
	}
	for action, wire := range wires {
		got, err := json.Marshal(action)
		if err != nil {
			t.Fatalf("marshal %v: %v", action, err)
		}
		if string(got) != wire {
			t.Errorf("marshal %v = %s, want %s", action, got, wire)
		}
		var back Action
		if err := json.Unmarshal([]byte(wire), &back); err != nil {
			t.Fatalf("unmarshal %s: %v", wire, err)
		}
		if back != action {
			t.Errorf("unmarshal %s = %v, want %v", wire, back, action)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBid.Opposite() != SideAsk {
		t.Error("bid opposite should be ask")
	}
	if SideAsk.Opposite() != SideBid {
		t.Error("ask opposite should be bid")
	}
	if SideNone.Opposite() != SideNone {
		t.Error("none opposite should be none")
	}
}

func TestMboMsgDecode(t *testing.T) {
	raw := `{
		"hd": {"length": 14, "rtype": 160, "publisher_id": 2, "instrument_id": 12345, "ts_event": "1700000000000000000"},
		"order_id": "42",
		"price": "100500000000",
		"size": 10,
		"flags": 128,
		"channel_id": 0,
		"action": "A",
		"side": "B",
		"ts_recv": "1700000000000000100",
		"ts_in_delta": 100,
		"sequence": 7
	}`
	var m MboMsg
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Header.InstrumentID != 12345 {
		t.Errorf("instrument = %d, want 12345", m.Header.InstrumentID)
	}
	if m.Header.PublisherID != 2 {
		t.Errorf("publisher = %d, want 2", m.Header.PublisherID)
	}
	if m.OrderID != 42 || m.Price != 100500000000 || m.Size != 10 {
		t.Errorf("order fields = %d/%d/%d", m.OrderID, m.Price, m.Size)
	}
	if m.Action != ActionAdd || m.Side != SideBid {
		t.Errorf("action/side = %v/%v", m.Action, m.Side)
	}
	if !m.IsLast() {
		t.Error("flags 128 should set the last-in-event bit")
	}
}

func TestPriceString(t *testing.T) {
	if got := PriceString(100500000000); got != "100.500000000" {
		t.Errorf("PriceString = %q", got)
	}
	if got := PriceString(PriceNull); got != "" {
		t.Errorf("PriceString(null) = %q, want empty", got)
	}
	if got := PriceString(-1000000000); got != "-1.000000000" {
		t.Errorf("PriceString negative = %q", got)
	}
}

func TestPublisherName(t *testing.T) {
	if got := PublisherName(2); got != "XNAS.ITCH.MBO.XNAS" {
		t.Errorf("PublisherName(2) = %q", got)
	}
	if got := PublisherName(999); got != "Unknown Publisher (999)" {
		t.Errorf("PublisherName(999) = %q", got)
	}
}
