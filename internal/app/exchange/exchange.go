// Package exchange declares the contracts between exchange adapters, the
// application store and the caller.
package exchange

import (
	"context"
	"log"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

// Event names passed to Emitter.Emit.
const (
	EventError = "error"
	EventFill  = "fill"
)

// Exchange is one connected derivatives venue.
type Exchange interface {
	Name() string
	// ConnectAndSubscribe starts market loading and the streaming sessions. It
	// is idempotent and a no-op after Dispose.
	ConnectAndSubscribe(ctx context.Context)
	// ListenOrderBook registers cb for symbol and returns the function that
	// stops it. Registration waits transparently for markets to load.
	ListenOrderBook(symbol string, cb schema.BookCallback) (unsubscribe func())
	// ListenTicker keeps the store's ticker for symbol up to date.
	ListenTicker(symbol string) (unsubscribe func())
	// The REST calls below use the adapter's configured timeout unless ctx
	// carries an override from rest.WithTimeout.
	LoadMarkets(ctx context.Context) ([]schema.Market, error)
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchPositions(ctx context.Context) ([]schema.Position, error)
	FetchBalance(ctx context.Context) (schema.Balance, error)
	// Dispose terminates every session and timer. It is idempotent and no
	// callback fires once it returns.
	Dispose()
}

// Store is the application state adapters write into. Implementations must
// serialize writes; adapters call it from several session loops.
type Store interface {
	SetMarkets(markets []schema.Market)
	MarketsLoaded() bool
	MarketBySymbol(symbol string) (schema.Market, bool)
	MarketByProductID(productID string) (schema.Market, bool)
	UpdateTicker(ticker schema.Ticker)
	AddOrUpdateOrders(orders []schema.Order)
	RemoveOrders(ids []string)
	SetPositions(positions []schema.Position)
	UpdateBalance(balance schema.Balance)
}

// Emitter is a fire-and-forget notification channel. Emit must not block.
type Emitter interface {
	Emit(event string, payload any)
}

// Deps carries the collaborators handed to every adapter factory.
type Deps struct {
	Store   Store
	Emitter Emitter
	Logger  *log.Logger
}
