// Package schema defines the normalized market, book and account types shared by every adapter.
package schema

import "strings"

// FeedKind identifies a stream feed family.
type FeedKind string

const (
	FeedTicker    FeedKind = "ticker"
	FeedBook      FeedKind = "book"
	FeedOrders    FeedKind = "orders"
	FeedFills     FeedKind = "fills"
	FeedPositions FeedKind = "positions"
	FeedBalances  FeedKind = "balances"
)

// Topic is the unit of wire subscription: one feed for one product. Private
// account feeds leave ProductID empty.
type Topic struct {
	Feed      FeedKind
	ProductID string
}

func (t Topic) String() string {
	if t.ProductID == "" {
		return string(t.Feed)
	}
	return string(t.Feed) + ":" + t.ProductID
}

// NormalizeSymbol upper-cases and trims a unified symbol such as "BTC/USD:USD".
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
