package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side selects one half of an order book.
type Side string

const (
	SideBids Side = "bids"
	SideAsks Side = "asks"
)

// Valid reports whether s names a book side.
func (s Side) Valid() bool {
	return s == SideBids || s == SideAsks
}

// PriceLevel is a raw price/amount pair as decoded from the wire.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Level is one depth-annotated entry of a book side. Total is the running sum
// of Amount from the best price outward, inclusive of this level.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Total  decimal.Decimal
}

// OrderBook is a read-only copy of a synchronized book. Bids are sorted by
// price descending, asks ascending, with unique prices on each side.
type OrderBook struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Sequence  int64
	UpdatedAt time.Time
}

// BestBid returns the highest bid, if any.
func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// BookSnapshot fully replaces both sides of a book.
type BookSnapshot struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  int64
	Timestamp time.Time
}

// BookDelta changes a single price level. A zero amount removes the level.
type BookDelta struct {
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Sequence  int64
	Timestamp time.Time
}

// BookCallback receives a copy of the book after every applied event.
type BookCallback func(OrderBook)
