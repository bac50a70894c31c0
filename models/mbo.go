package models

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// PriceNull marks an absent price on a message. Real prices are expressed in
// nano units, 1e-9 of the instrument currency.
const PriceNull = math.MaxInt64

// PriceScale is the number of decimal digits in a nano-unit price.
const PriceScale = 9

// Flag bits carried on MboMsg.Flags.
const (
	// FlagLast marks the final message of an event on this instrument.
	FlagLast uint8 = 1 << 7
	// FlagTob marks a top-of-book message.
	FlagTob uint8 = 1 << 6
	// FlagSnapshot marks a message sourced from an initial snapshot.
	FlagSnapshot uint8 = 1 << 5
)

// Side is the side of the book an order rests on.
type Side uint8

const (
	SideNone Side = iota
	SideBid
	SideAsk
)

// Opposite returns the other trading side. None is its own opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideBid:
		return SideAsk
	case SideAsk:
		return SideBid
	default:
		return SideNone
	}
}

func (s Side) String() string {
	switch s {
	case SideBid:
		return "B"
	case SideAsk:
		return "A"
	default:
		return "N"
	}
}

// MarshalJSON encodes the side as its single character wire form.
func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the single character wire form.
func (s *Side) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"B"`:
		*s = SideBid
	case `"A"`:
		*s = SideAsk
	case `"N"`, `""`, `null`:
		*s = SideNone
	default:
		return fmt.Errorf("unknown side %s", data)
	}
	return nil
}

// Action is the order action carried by an MBO message.
type Action uint8

const (
	ActionNone Action = iota
	ActionAdd
	ActionCancel
	ActionModify
	ActionClear
	ActionTrade
	ActionFill
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "A"
	case ActionCancel:
		return "C"
	case ActionModify:
		return "M"
	case ActionClear:
		return "R"
	case ActionTrade:
		return "T"
	case ActionFill:
		return "F"
	default:
		return "N"
	}
}

// MarshalJSON encodes the action as its single character wire form.
func (a Action) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes the single character wire form.
func (a *Action) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"A"`:
		*a = ActionAdd
	case `"C"`:
		*a = ActionCancel
	case `"M"`:
		*a = ActionModify
	case `"R"`:
		*a = ActionClear
	case `"T"`:
		*a = ActionTrade
	case `"F"`:
		*a = ActionFill
	case `"N"`, `""`, `null`:
		*a = ActionNone
	default:
		return fmt.Errorf("unknown action %s", data)
	}
	return nil
}

// Header is the record header shared by MBO messages.
type Header struct {
	Length       uint8  `json:"length"`
	RType        uint8  `json:"rtype"`
	PublisherID  uint16 `json:"publisher_id"`
	InstrumentID uint32 `json:"instrument_id"`
	TsEvent      uint64 `json:"ts_event,string"`
}

// MboMsg is a single market-by-order message.
type MboMsg struct {
	Header    Header `json:"hd"`
	OrderID   uint64 `json:"order_id,string"`
	Price     int64  `json:"price,string"`
	Size      uint64 `json:"size"`
	Flags     uint8  `json:"flags"`
	ChannelID uint8  `json:"channel_id"`
	Action    Action `json:"action"`
	Side      Side   `json:"side"`
	TsRecv    uint64 `json:"ts_recv,string"`
	TsInDelta int32  `json:"ts_in_delta"`
	Sequence  uint32 `json:"sequence"`
}

// IsLast reports whether this message completes an event.
func (m *MboMsg) IsLast() bool {
	return m.Flags&FlagLast != 0
}

// PriceDecimal renders a nano-unit price as a decimal value.
func PriceDecimal(price int64) decimal.Decimal {
	return decimal.New(price, -PriceScale)
}

// PriceString renders a nano-unit price for display. PriceNull renders as
// an empty string.
func PriceString(price int64) string {
	if price == PriceNull {
		return ""
	}
	return PriceDecimal(price).StringFixed(PriceScale)
}
