package binancefutures

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

func (a *Adapter) publicHandlers() map[string]stream.Handler {
	return map[string]stream.Handler{
		eventDepthUpdate: a.onDepth,
		eventTicker:      a.onTicker,
		eventBookTicker:  a.onBookTicker,
		eventMarkPrice:   a.onMarkPrice,
	}
}

func (a *Adapter) userHandlers() map[string]stream.Handler {
	return map[string]stream.Handler{
		eventOrderTradeUpdate: a.onOrderTradeUpdate,
		eventAccountUpdate:    a.onAccountUpdate,
		eventListenKeyExpired: func(stream.Message) error {
			a.logger.Printf("%s: listen key expired", a.cfg.Name)
			return stream.ErrReconnect
		},
	}
}

func (a *Adapter) decode(msg stream.Message, out any) error {
	if err := json.Unmarshal(msg.Raw, out); err != nil {
		return errs.New(a.cfg.Name, errs.CodeProtocol,
			errs.WithMessage("decode "+msg.Feed), errs.WithCause(err))
	}
	return nil
}

func (a *Adapter) symbolFor(productID string) string {
	if mk, ok := a.store.MarketByProductID(productID); ok {
		return mk.Symbol
	}
	return productID
}

// onDepth applies a partial depth message. Each one carries the full top of
// book, so it replaces the book rather than patching it.
func (a *Adapter) onDepth(msg stream.Message) error {
	if !a.books.Watched(msg.ProductID) {
		return nil
	}
	var depth depthMsg
	if err := a.decode(msg, &depth); err != nil {
		return err
	}
	bids, err := parseLevels(depth.Bids)
	if err != nil {
		return errs.New(a.cfg.Name, errs.CodeProtocol, errs.WithMessage("depth bids"), errs.WithCause(err))
	}
	asks, err := parseLevels(depth.Asks)
	if err != nil {
		return errs.New(a.cfg.Name, errs.CodeProtocol, errs.WithMessage("depth asks"), errs.WithCause(err))
	}
	return a.books.ApplySnapshot(depth.Symbol, schema.BookSnapshot{
		Bids:      bids,
		Asks:      asks,
		Sequence:  depth.FinalID,
		Timestamp: unixMillis(depth.EventTime),
	})
}

// ticker returns the merged ticker for productID. The map is owned by the
// public session loop.
func (a *Adapter) ticker(productID string) schema.Ticker {
	t, ok := a.tickers[productID]
	if !ok {
		t = schema.Ticker{Symbol: a.symbolFor(productID)}
	}
	return t
}

func (a *Adapter) publishTicker(productID string, t schema.Ticker) {
	a.tickers[productID] = t
	a.store.UpdateTicker(t)
}

func (a *Adapter) onTicker(msg stream.Message) error {
	var in tickerMsg
	if err := a.decode(msg, &in); err != nil {
		return err
	}
	t := a.ticker(in.Symbol)
	t.Last, t.Volume, t.Timestamp = in.Last, in.Volume, unixMillis(in.EventTime)
	a.publishTicker(in.Symbol, t)
	return nil
}

func (a *Adapter) onBookTicker(msg stream.Message) error {
	var in bookTickerMsg
	if err := a.decode(msg, &in); err != nil {
		return err
	}
	t := a.ticker(in.Symbol)
	t.Bid, t.Ask, t.Timestamp = in.Bid, in.Ask, unixMillis(in.Time)
	a.publishTicker(in.Symbol, t)
	return nil
}

func (a *Adapter) onMarkPrice(msg stream.Message) error {
	var in markPriceMsg
	if err := a.decode(msg, &in); err != nil {
		return err
	}
	t := a.ticker(in.Symbol)
	t.Mark, t.FundingRate, t.Timestamp = in.Mark, in.FundingRate, unixMillis(in.EventTime)
	a.publishTicker(in.Symbol, t)
	return nil
}

func (a *Adapter) onOrderTradeUpdate(msg stream.Message) error {
	var in orderTradeUpdateMsg
	if err := a.decode(msg, &in); err != nil {
		return err
	}
	symbol := a.symbolFor(in.Order.Symbol)
	a.store.AddOrUpdateOrders([]schema.Order{mapOrderUpdate(in.Order, symbol)})
	if in.Order.ExecType == "TRADE" && in.Order.LastQty.IsPositive() {
		a.emit(exchange.EventFill, schema.Fill{
			ID:        formatID(in.Order.TradeID),
			OrderID:   formatID(in.Order.OrderID),
			Symbol:    symbol,
			Side:      mapOrderSide(in.Order.Side),
			Price:     in.Order.LastPrice,
			Amount:    in.Order.LastQty,
			Timestamp: unixMillis(in.Order.TradeTime),
		})
	}
	return nil
}

// onAccountUpdate merges changed positions into the loop-owned position set,
// since each event only carries what changed.
func (a *Adapter) onAccountUpdate(msg stream.Message) error {
	var in accountUpdateMsg
	if err := a.decode(msg, &in); err != nil {
		return err
	}
	for _, b := range in.Account.Balances {
		if b.Asset != a.cfg.SettleAsset {
			continue
		}
		a.store.UpdateBalance(schema.Balance{
			Currency:  b.Asset,
			Total:     b.WalletBalance,
			Free:      b.CrossWallet,
			Used:      b.WalletBalance.Sub(b.CrossWallet),
			Timestamp: unixMillis(in.EventTime),
		})
	}
	if len(in.Account.Positions) == 0 {
		return nil
	}
	for _, p := range in.Account.Positions {
		symbol := a.symbolFor(p.Symbol)
		if p.Amount.IsZero() {
			delete(a.positions, symbol)
			continue
		}
		a.positions[symbol] = mapPosition(symbol, p.Amount, p.EntryPrice, p.UnrealizedPnL, in.EventTime)
	}
	positions := make([]schema.Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, p)
	}
	a.store.SetPositions(positions)
	return nil
}
