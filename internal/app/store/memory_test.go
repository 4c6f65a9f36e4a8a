package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

func TestMarketsLookupBothWays(t *testing.T) {
	m := NewMemory()
	require.False(t, m.MarketsLoaded())
	m.SetMarkets([]schema.Market{{Symbol: "BTC/USD:USD", ProductID: "PF_XBTUSD"}})

	require.True(t, m.MarketsLoaded())
	mk, ok := m.MarketBySymbol(" btc/usd:usd ")
	require.True(t, ok)
	require.Equal(t, "PF_XBTUSD", mk.ProductID)
	mk, ok = m.MarketByProductID("PF_XBTUSD")
	require.True(t, ok)
	require.Equal(t, "BTC/USD:USD", mk.Symbol)
	require.Len(t, m.Markets(), 1)
}

func TestOrdersUpsertAndTerminalRemoval(t *testing.T) {
	m := NewMemory()
	m.AddOrUpdateOrders([]schema.Order{
		{ID: "b", Status: schema.OrderStatusOpen},
		{ID: "a", Status: schema.OrderStatusOpen},
	})
	m.AddOrUpdateOrders([]schema.Order{{ID: "a", Status: schema.OrderStatusCanceled}})
	require.Len(t, m.Orders(), 1)
	m.RemoveOrders([]string{"b", "missing"})
	require.Empty(t, m.Orders())
}

func TestPositionsDropFlat(t *testing.T) {
	m := NewMemory()
	m.SetPositions([]schema.Position{
		{Symbol: "ETH/USD:USD", Size: decimal.Zero},
		{Symbol: "BTC/USD:USD", Size: decimal.NewFromInt(2)},
	})
	got := m.Positions()
	require.Len(t, got, 1)
	require.Equal(t, "BTC/USD:USD", got[0].Symbol)
}
