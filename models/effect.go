package models

// BookEffectKind discriminates the concrete ladder mutation recorded in a
// BookEffect.
type BookEffectKind string

const (
	BookEffectAdd    BookEffectKind = "add"
	BookEffectCancel BookEffectKind = "cancel"
	BookEffectModify BookEffectKind = "modify"
)

// BookEffect records a single applied ladder mutation with enough detail to
// reverse it exactly, including the queue position an order held before the
// mutation removed or moved it.
type BookEffect struct {
	Kind    BookEffectKind `json:"kind"`
	OrderID uint64         `json:"order_id,string"`
	Side    Side           `json:"side"`

	// Add and Cancel use Price/Size. Cancel's Size is the quantity actually
	// removed after clamping to the resting size.
	Price int64  `json:"price,string,omitempty"`
	Size  uint64 `json:"size,omitempty"`

	// Modify carries both sides of the transition.
	OldPrice int64  `json:"old_price,string,omitempty"`
	OldSize  uint64 `json:"old_size,omitempty"`
	NewPrice int64  `json:"new_price,string,omitempty"`
	NewSize  uint64 `json:"new_size,omitempty"`

	// QueuePos is the index the order held in its price level queue before
	// a Cancel removed it or a price-changing Modify moved it. Restoring at
	// this index makes unapply position exact.
	QueuePos int `json:"queue_pos"`

	// Removed is the full resting order taken off the book by a Cancel, kept
	// so unapply can reinsert it unchanged.
	Removed *MboMsg `json:"removed,omitempty"`
}

// MarketEffect is the outcome of routing one message through the market.
type MarketEffect struct {
	// PublisherCreated is set when the message was the first seen from its
	// publisher on the instrument and a fresh book was created for it.
	PublisherCreated *uint16 `json:"publisher_created,omitempty"`

	// Book is the ladder mutation, when the action produced one. Trade, Fill
	// and None never do.
	Book *BookEffect `json:"book,omitempty"`

	// Cleared is set when a Clear action wiped the book; it holds the number
	// of orders removed.
	Cleared *uint64 `json:"cleared,omitempty"`

	// ErrorKind names the recoverable book error the message provoked, empty
	// on success.
	ErrorKind string `json:"error_kind,omitempty"`
}

// MBOMsgEffect pairs an ingested message with its assigned sequence number
// and the effect applying it had.
type MBOMsgEffect struct {
	Seq    uint64       `json:"seq"`
	Msg    MboMsg       `json:"msg"`
	Effect MarketEffect `json:"effect"`
}

// PriceLevel folds one price level's order queue into its displayed form.
type PriceLevel struct {
	Price int64  `json:"price,string"`
	Size  uint64 `json:"size"`
	Count uint64 `json:"count"`
}

// Bbo is the aggregated best bid and offer for an instrument. Either side may
// be nil when no orders rest on it.
type Bbo struct {
	InstrumentID uint32      `json:"instrument_id"`
	Symbol       string      `json:"symbol,omitempty"`
	Bid          *PriceLevel `json:"bid"`
	Ask          *PriceLevel `json:"ask"`
}
