package binancefutures

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/app/emitter"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/app/store"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

func newTestAdapter(t *testing.T) (*Adapter, *store.Memory, *emitter.Channel) {
	t.Helper()
	st := store.NewMemory()
	st.SetMarkets([]schema.Market{{Symbol: "BTC/USDT:USDT", ProductID: "BTCUSDT"}})
	em := emitter.NewChannel(Identifier, 16)
	a, err := New(Config{WSURL: "ws://127.0.0.1:1/ws"}, exchange.Deps{Store: st, Emitter: em})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	return a, st, em
}

func frame(t *testing.T, raw string) stream.Message {
	t.Helper()
	msg, err := decode([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestDepthReplacesBook(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	var last schema.OrderBook
	a.books.Listen("BTCUSDT", func(b schema.OrderBook) { last = b })

	require.NoError(t, a.onDepth(frame(t, `{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","u":10,
		"b":[["100.0","2"],["99.5","1"]],"a":[["100.5","3"]]}`)))
	require.Len(t, last.Bids, 2)
	require.True(t, last.Bids[1].Total.Equal(decimal.NewFromInt(3)))
	require.Equal(t, int64(10), last.Sequence)

	require.NoError(t, a.onDepth(frame(t, `{"e":"depthUpdate","s":"BTCUSDT","u":11,"b":[["101","1"]],"a":[]}`)))
	require.Len(t, last.Bids, 1)
	require.Empty(t, last.Asks)

	err := a.onDepth(frame(t, `{"e":"depthUpdate","s":"BTCUSDT","u":12,"b":[["102","x"]],"a":[]}`))
	require.True(t, errs.Is(err, errs.CodeProtocol))
	require.Equal(t, int64(11), last.Sequence, "malformed depth leaves the book untouched")
}

func TestTickerStreamsMerge(t *testing.T) {
	a, st, _ := newTestAdapter(t)
	require.NoError(t, a.onTicker(frame(t, `{"e":"24hrTicker","E":1,"s":"BTCUSDT","c":"100.5","v":"1234"}`)))
	require.NoError(t, a.onBookTicker(frame(t, `{"e":"bookTicker","T":2,"s":"BTCUSDT","b":"100.4","a":"100.6"}`)))
	require.NoError(t, a.onMarkPrice(frame(t, `{"e":"markPriceUpdate","E":3,"s":"BTCUSDT","p":"100.45","r":"0.0001"}`)))

	ticker, ok := st.Ticker("BTC/USDT:USDT")
	require.True(t, ok)
	require.Equal(t, "100.5", ticker.Last.String())
	require.Equal(t, "100.4", ticker.Bid.String())
	require.Equal(t, "100.45", ticker.Mark.String())
	require.Equal(t, "0.0001", ticker.FundingRate.String())
}

func TestOrderTradeUpdateStoresOrderAndEmitsFill(t *testing.T) {
	a, st, em := newTestAdapter(t)
	require.NoError(t, a.onOrderTradeUpdate(frame(t, `{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{
		"s":"BTCUSDT","c":"cli-1","S":"SELL","o":"LIMIT","f":"GTX","q":"2","p":"101","x":"TRADE","X":"PARTIALLY_FILLED",
		"i":42,"l":"0.5","z":"0.5","L":"101","T":1700000000000,"t":7,"R":true}}`)))

	orders := st.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, "42", orders[0].ID)
	require.Equal(t, schema.OrderTypePostOnly, orders[0].Type)
	require.Equal(t, schema.OrderSideSell, orders[0].Side)
	require.True(t, orders[0].ReduceOnly)

	ev := <-em.Events()
	require.Equal(t, exchange.EventFill, ev.Name)
	fill := ev.Payload.(schema.Fill)
	require.Equal(t, "7", fill.ID)
	require.Equal(t, "0.5", fill.Amount.String())

	require.NoError(t, a.onOrderTradeUpdate(frame(t, `{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","q":"2","x":"CANCELED","X":"CANCELED","i":42}}`)))
	require.Empty(t, st.Orders())
}

func TestAccountUpdateMergesPositions(t *testing.T) {
	a, st, _ := newTestAdapter(t)
	a.positions["ETH/USDT:USDT"] = schema.Position{Symbol: "ETH/USDT:USDT", Size: decimal.NewFromInt(1)}

	require.NoError(t, a.onAccountUpdate(frame(t, `{"e":"ACCOUNT_UPDATE","E":1,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000","cw":"900"},{"a":"BNB","wb":"1","cw":"1"}],
		"P":[{"s":"BTCUSDT","pa":"-0.5","ep":"100","up":"2","ps":"BOTH"}]}}`)))
	require.Len(t, st.Positions(), 2)
	require.Equal(t, "USDT", st.Balance().Currency)
	require.Equal(t, "100", st.Balance().Used.String())

	require.NoError(t, a.onAccountUpdate(frame(t, `{"e":"ACCOUNT_UPDATE","E":2,"a":{"m":"ORDER","B":[],
		"P":[{"s":"BTCUSDT","pa":"0","ep":"0","up":"0","ps":"BOTH"}]}}`)))
	positions := st.Positions()
	require.Len(t, positions, 1)
	require.Equal(t, "ETH/USDT:USDT", positions[0].Symbol)
}

func TestListenKeyExpiredRequestsReconnect(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	handler := a.userHandlers()[eventListenKeyExpired]
	require.ErrorIs(t, handler(frame(t, `{"e":"listenKeyExpired","E":1}`)), stream.ErrReconnect)
}
