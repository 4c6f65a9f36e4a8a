// Package store provides the in-memory application store adapters write into.
package store

import (
	"sort"
	"sync"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

// Memory is a mutex-guarded Store for one exchange.
type Memory struct {
	mu        sync.RWMutex
	loaded    bool
	bySymbol  map[string]schema.Market
	byProduct map[string]schema.Market
	tickers   map[string]schema.Ticker
	orders    map[string]schema.Order
	positions map[string]schema.Position
	balance   schema.Balance
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		bySymbol:  make(map[string]schema.Market),
		byProduct: make(map[string]schema.Market),
		tickers:   make(map[string]schema.Ticker),
		orders:    make(map[string]schema.Order),
		positions: make(map[string]schema.Position),
	}
}

// SetMarkets replaces the market catalogue.
func (m *Memory) SetMarkets(markets []schema.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySymbol = make(map[string]schema.Market, len(markets))
	m.byProduct = make(map[string]schema.Market, len(markets))
	for _, mk := range markets {
		m.bySymbol[schema.NormalizeSymbol(mk.Symbol)] = mk
		m.byProduct[mk.ProductID] = mk
	}
	m.loaded = true
}

// MarketsLoaded reports whether SetMarkets has run.
func (m *Memory) MarketsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Markets returns the catalogue sorted by symbol.
func (m *Memory) Markets() []schema.Market {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Market, 0, len(m.bySymbol))
	for _, mk := range m.bySymbol {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MarketBySymbol looks a market up by unified symbol.
func (m *Memory) MarketBySymbol(symbol string) (schema.Market, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.bySymbol[schema.NormalizeSymbol(symbol)]
	return mk, ok
}

// MarketByProductID looks a market up by exchange product id.
func (m *Memory) MarketByProductID(productID string) (schema.Market, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.byProduct[productID]
	return mk, ok
}

// UpdateTicker stores the latest ticker.
func (m *Memory) UpdateTicker(ticker schema.Ticker) {
	m.mu.Lock()
	m.tickers[ticker.Symbol] = ticker
	m.mu.Unlock()
}

// Ticker returns the latest ticker for symbol.
func (m *Memory) Ticker(symbol string) (schema.Ticker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[symbol]
	return t, ok
}

// AddOrUpdateOrders upserts orders by id. Terminal orders are removed.
func (m *Memory) AddOrUpdateOrders(orders []schema.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if o.Terminal() {
			delete(m.orders, o.ID)
			continue
		}
		m.orders[o.ID] = o
	}
}

// RemoveOrders deletes orders by id.
func (m *Memory) RemoveOrders(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.orders, id)
	}
}

// Orders returns open orders sorted by id.
func (m *Memory) Orders() []schema.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPositions replaces positions; zero-size positions are dropped.
func (m *Memory) SetPositions(positions []schema.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]schema.Position, len(positions))
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		m.positions[p.Symbol] = p
	}
}

// Positions returns open positions sorted by symbol.
func (m *Memory) Positions() []schema.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateBalance stores the account balance.
func (m *Memory) UpdateBalance(balance schema.Balance) {
	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
}

// Balance returns the last stored balance.
func (m *Memory) Balance() schema.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}
