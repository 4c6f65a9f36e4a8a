package krakenfutures

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

func (a *Adapter) publicHandlers() map[string]stream.Handler {
	return map[string]stream.Handler{
		feedBookSnapshot: a.onBookSnapshot,
		feedBook:         a.onBookDelta,
		feedTicker:       a.onTicker,
	}
}

func (a *Adapter) privateHandlers() map[string]stream.Handler {
	return map[string]stream.Handler{
		feedOpenOrdersSnap:   a.onOpenOrdersSnapshot,
		feedOpenOrders:       a.onOpenOrders,
		feedFillsSnapshot:    func(stream.Message) error { return nil },
		feedFills:            a.onFills,
		feedOpenPositions:    a.onPositions,
		feedBalancesSnapshot: a.onBalances,
		feedBalances:         a.onBalances,
	}
}

func (a *Adapter) decode(msg stream.Message, out any) error {
	if err := json.Unmarshal(msg.Raw, out); err != nil {
		return errs.New(a.cfg.Name, errs.CodeProtocol,
			errs.WithMessage("decode "+msg.Feed), errs.WithCause(err))
	}
	return nil
}

// symbolFor maps a product id back to its unified symbol.
func (a *Adapter) symbolFor(productID string) string {
	if mk, ok := a.store.MarketByProductID(productID); ok {
		return mk.Symbol
	}
	return productID
}

func (a *Adapter) onBookSnapshot(msg stream.Message) error {
	if !a.books.Watched(msg.ProductID) {
		return nil
	}
	var snap bookSnapshotMsg
	if err := a.decode(msg, &snap); err != nil {
		return err
	}
	return a.books.ApplySnapshot(snap.ProductID, schema.BookSnapshot{
		Bids:      mapLevels(snap.Bids),
		Asks:      mapLevels(snap.Asks),
		Sequence:  snap.Seq,
		Timestamp: unixMillis(snap.Timestamp),
	})
}

func (a *Adapter) onBookDelta(msg stream.Message) error {
	if !a.books.Watched(msg.ProductID) {
		return nil
	}
	var delta bookDeltaMsg
	if err := a.decode(msg, &delta); err != nil {
		return err
	}
	side, ok := mapSide(delta.Side)
	if !ok {
		return errs.New(a.cfg.Name, errs.CodeProtocol, errs.WithMessage("unknown book side "+delta.Side))
	}
	return a.books.ApplyDelta(delta.ProductID, schema.BookDelta{
		Side:      side,
		Price:     delta.Price,
		Amount:    delta.Qty,
		Sequence:  delta.Seq,
		Timestamp: unixMillis(delta.Timestamp),
	})
}

func (a *Adapter) onTicker(msg stream.Message) error {
	var t tickerMsg
	if err := a.decode(msg, &t); err != nil {
		return err
	}
	a.store.UpdateTicker(schema.Ticker{
		Symbol:      a.symbolFor(t.ProductID),
		Bid:         t.Bid,
		Ask:         t.Ask,
		Last:        t.Last,
		Mark:        t.MarkPrice,
		Volume:      t.Volume,
		FundingRate: t.FundingRate,
		Timestamp:   unixMillis(t.Time),
	})
	return nil
}

func (a *Adapter) onOpenOrdersSnapshot(msg stream.Message) error {
	var snap openOrdersSnapshotMsg
	if err := a.decode(msg, &snap); err != nil {
		return err
	}
	orders := make([]schema.Order, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		orders = append(orders, mapOrder(o, a.symbolFor(o.Instrument)))
	}
	a.store.AddOrUpdateOrders(orders)
	return nil
}

func (a *Adapter) onOpenOrders(msg stream.Message) error {
	var update openOrdersMsg
	if err := a.decode(msg, &update); err != nil {
		return err
	}
	if update.IsCancel || update.Order == nil {
		id := update.OrderID
		if id == "" && update.Order != nil {
			id = update.Order.OrderID
		}
		if id != "" {
			a.store.RemoveOrders([]string{id})
		}
		return nil
	}
	a.store.AddOrUpdateOrders([]schema.Order{mapOrder(*update.Order, a.symbolFor(update.Order.Instrument))})
	return nil
}

func (a *Adapter) onFills(msg stream.Message) error {
	var fills fillsMsg
	if err := a.decode(msg, &fills); err != nil {
		return err
	}
	for _, f := range fills.Fills {
		a.emit(exchange.EventFill, mapFill(f, a.symbolFor(f.Instrument)))
	}
	return nil
}

func (a *Adapter) onPositions(msg stream.Message) error {
	var update positionsMsg
	if err := a.decode(msg, &update); err != nil {
		return err
	}
	positions := make([]schema.Position, 0, len(update.Positions))
	for _, p := range update.Positions {
		positions = append(positions, mapPosition(p, a.symbolFor(p.Instrument)))
	}
	a.store.SetPositions(positions)
	return nil
}

func (a *Adapter) onBalances(msg stream.Message) error {
	var update balancesMsg
	if err := a.decode(msg, &update); err != nil {
		return err
	}
	if update.FlexFutures == nil {
		return nil
	}
	a.store.UpdateBalance(schema.Balance{
		Currency:  "USD",
		Total:     update.FlexFutures.BalanceValue,
		Free:      update.FlexFutures.AvailableMargin,
		Used:      update.FlexFutures.InitialMargin,
		Timestamp: unixMillis(update.Timestamp),
	})
	return nil
}
