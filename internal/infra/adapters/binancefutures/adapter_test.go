package binancefutures

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/app/emitter"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/app/store"
	"github.com/coachpo/derivgate/internal/domain/schema"
)

const exchangeInfoBody = `{"symbols":[
	{"symbol":"BTCUSDT","contractType":"PERPETUAL","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","marginAsset":"USDT",
	 "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"}]},
	{"symbol":"BTCUSDT_240628","contractType":"CURRENT_QUARTER","deliveryDate":1719561600000,"status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","marginAsset":"USDT"},
	{"symbol":"ETHBTC","contractType":"","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC"}]}`

type fakeBinance struct {
	srv *httptest.Server

	mu        sync.Mutex
	requests  map[string]*http.Request
	bodies    map[string]string
	statuses  map[string]int
	keys      atomic.Int64
	renewals  atomic.Int64
	userConns chan string
	frames    chan request
	// renewStatus fails listen key renewals when set.
	renewStatus int
	// holdKeys suppresses the expiry event on the first user stream.
	holdKeys bool
}

func newFakeBinance(t *testing.T) *fakeBinance {
	t.Helper()
	f := &fakeBinance{
		requests:  make(map[string]*http.Request),
		bodies:    make(map[string]string),
		statuses:  make(map[string]int),
		userConns: make(chan string, 16),
		frames:    make(chan request, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBinance) respond(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[method+" "+path] = body
	f.statuses[method+" "+path] = status
}

func (f *fakeBinance) request(method, path string) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method+" "+path]
}

func (f *fakeBinance) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ws":
		f.serveMarket(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/ws/"):
		f.serveUser(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
		return
	case r.URL.Path == listenKeyPath && r.Method == http.MethodPost:
		n := f.keys.Add(1)
		_, _ = w.Write([]byte(`{"listenKey":"key-` + strconv.FormatInt(n, 10) + `"}`))
		return
	case r.URL.Path == listenKeyPath && r.Method == http.MethodPut:
		f.renewals.Add(1)
		f.mu.Lock()
		status := f.renewStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":-1125,"msg":"This listenKey does not exist."}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
		return
	}
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.requests[key] = r
	body, ok := f.bodies[key]
	status := f.statuses[key]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeBinance) serveMarket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req request
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		f.frames <- req
		ack, _ := json.Marshal(map[string]any{"result": nil, "id": req.ID})
		_ = c.Write(ctx, websocket.MessageText, ack)
		if req.Method == "SUBSCRIBE" {
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","u":5,
				"b":[["100","2"]],"a":[["101","3"],["102","1"]]}`))
		}
	}
}

func (f *fakeBinance) serveUser(w http.ResponseWriter, r *http.Request, key string) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	f.userConns <- key
	ctx := r.Context()
	f.mu.Lock()
	hold := f.holdKeys
	f.mu.Unlock()
	if key == "key-1" && !hold {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"listenKeyExpired","E":1,"listenKey":"key-1"}`))
	}
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func (f *fakeBinance) config() Config {
	return Config{
		BaseURL:      f.srv.URL,
		WSURL:        "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws",
		PingInterval: time.Hour,
		MinReconnect: 10 * time.Millisecond,
		MaxReconnect: 50 * time.Millisecond,
		ResolveRetry: 10 * time.Millisecond,
	}
}

func newAdapter(t *testing.T, cfg Config) (*Adapter, *store.Memory, *emitter.Channel) {
	t.Helper()
	st := store.NewMemory()
	em := emitter.NewChannel(Identifier, 64)
	a, err := New(cfg, exchange.Deps{Store: st, Emitter: em})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	return a, st, em
}

func withKeys(cfg Config) Config {
	cfg.APIKey = "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A"
	cfg.APISecret = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	return cfg
}

func TestNewRequiresBothCredentials(t *testing.T) {
	_, err := New(Config{APIKey: "only-key"}, exchange.Deps{Store: store.NewMemory()})
	require.True(t, errs.Is(err, errs.CodeConfig))
}

func TestLoadMarketsMapsContracts(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
	a, st, _ := newAdapter(t, f.config())

	markets, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)

	perp, ok := st.MarketBySymbol("BTC/USDT:USDT")
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", perp.ProductID)
	require.Equal(t, "0.1", perp.TickSize.String())

	dated, ok := st.MarketByProductID("BTCUSDT_240628")
	require.True(t, ok)
	require.Equal(t, "BTC/USDT:USDT-240628", dated.Symbol)
	require.Equal(t, schema.MarketFuture, dated.Type)
}

func TestPlaceOrderIsSigned(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
	f.respond(http.MethodPost, orderPath, http.StatusOK, `{"orderId":99,"clientOrderId":"cli-1","symbol":"BTCUSDT","status":"NEW",
		"price":"100","origQty":"0.01","executedQty":"0","type":"LIMIT","timeInForce":"GTC","side":"BUY","updateTime":1700000000000}`)
	a, st, _ := newAdapter(t, withKeys(f.config()))
	_, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)

	order, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USDT:USDT", Side: schema.OrderSideBuy, Type: schema.OrderTypeLimit,
		Amount: decimal.RequireFromString("0.01"), Price: decimal.NewFromInt(100), ClientOrderID: "cli-1",
	})
	require.NoError(t, err)
	require.Equal(t, "99", order.ID)
	require.Equal(t, schema.OrderStatusOpen, order.Status)
	require.Len(t, st.Orders(), 1)

	req := f.request(http.MethodPost, orderPath)
	require.NotEmpty(t, req.Header.Get("X-MBX-APIKEY"))
	q := req.URL.Query()
	require.Equal(t, "BTCUSDT", q.Get("symbol"))
	require.Equal(t, "BUY", q.Get("side"))
	require.Equal(t, "GTC", q.Get("timeInForce"))
	require.Equal(t, "5000", q.Get("recvWindow"))
	require.NotEmpty(t, q.Get("timestamp"))
	require.Len(t, q.Get("signature"), 64)
	require.True(t, strings.HasSuffix(req.URL.RawQuery, "&signature="+q.Get("signature")))

	info := f.request(http.MethodGet, exchangeInfoPath)
	require.Empty(t, info.URL.Query().Get("signature"))
}

func TestErrorPayloadsKeepExchangeCode(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
	f.respond(http.MethodPost, orderPath, http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`)
	f.respond(http.MethodDelete, orderPath, http.StatusBadRequest, `{"code":-2011,"msg":"Unknown order sent."}`)
	f.respond(http.MethodGet, positionRiskPath, http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`)
	a, _, _ := newAdapter(t, withKeys(f.config()))
	_, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)

	_, err = a.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USDT:USDT", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket, Amount: decimal.NewFromInt(1),
	})
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, "-2019", e.RawCode)
	require.Equal(t, "Margin is insufficient.", e.RawMsg)
	require.Equal(t, errs.CanonicalInsufficientBalance, e.Canonical)

	err = a.CancelOrder(context.Background(), "BTC/USDT:USDT", "123")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = a.FetchPositions(context.Background())
	require.True(t, errs.Is(err, errs.CodeRateLimited))
}

func TestAccountQueries(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, positionRiskPath, http.StatusOK, `[
		{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"100","unRealizedProfit":"1","updateTime":1},
		{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","unRealizedProfit":"0","updateTime":1}]`)
	f.respond(http.MethodGet, balancePath, http.StatusOK, `[
		{"asset":"BNB","balance":"1","availableBalance":"1"},
		{"asset":"USDT","balance":"1000","availableBalance":"600","updateTime":1}]`)
	a, st, _ := newAdapter(t, withKeys(f.config()))

	positions, err := a.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, schema.OrderSideBuy, positions[0].Side)
	require.Len(t, st.Positions(), 1)

	balance, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, "400", balance.Used.String())
}

func TestMarketStreamEndToEnd(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
	a, _, _ := newAdapter(t, f.config())
	require.Nil(t, a.UserSession())

	books := make(chan schema.OrderBook, 16)
	unsubscribe := a.ListenOrderBook("BTC/USDT:USDT", func(b schema.OrderBook) { books <- b })
	a.ConnectAndSubscribe(context.Background())

	sub := <-f.frames
	require.Equal(t, "SUBSCRIBE", sub.Method)
	require.Equal(t, []string{"btcusdt@depth20@100ms"}, sub.Params)

	select {
	case book := <-books:
		require.Len(t, book.Asks, 2)
		require.True(t, book.Asks[1].Total.Equal(decimal.NewFromInt(4)))
	case <-time.After(5 * time.Second):
		t.Fatal("no book delivered")
	}

	unsubscribe()
	unsub := <-f.frames
	require.Equal(t, "UNSUBSCRIBE", unsub.Method)
	require.Equal(t, []string{"btcusdt@depth20@100ms"}, unsub.Params)
}

func TestUserStreamRenewsListenKeyAfterExpiry(t *testing.T) {
	f := newFakeBinance(t)
	f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
	cfg := withKeys(f.config())
	cfg.KeepAlive = 20 * time.Millisecond
	a, _, _ := newAdapter(t, cfg)
	a.ConnectAndSubscribe(context.Background())

	for _, want := range []string{"key-1", "key-2"} {
		select {
		case got := <-f.userConns:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("no user stream connect for %s", want)
		}
	}
	require.Eventually(t, func() bool { return f.renewals.Load() > 0 }, 5*time.Second, 10*time.Millisecond)

	a.Dispose()
	time.Sleep(20 * time.Millisecond)
	renewals := f.renewals.Load()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, renewals, f.renewals.Load(), "no renewal after dispose")
}

func TestListenKeyRenewalFailureIsReportedWithoutRedial(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			f := newFakeBinance(t)
			f.respond(http.MethodGet, exchangeInfoPath, http.StatusOK, exchangeInfoBody)
			f.mu.Lock()
			f.renewStatus = status
			f.holdKeys = true
			f.mu.Unlock()
			cfg := withKeys(f.config())
			cfg.KeepAlive = 20 * time.Millisecond
			a, _, em := newAdapter(t, cfg)
			a.ConnectAndSubscribe(context.Background())

			select {
			case got := <-f.userConns:
				require.Equal(t, "key-1", got)
			case <-time.After(5 * time.Second):
				t.Fatal("user stream never connected")
			}

			deadline := time.After(5 * time.Second)
			var renewErr *errs.E
			for renewErr == nil {
				select {
				case ev := <-em.Events():
					if ev.Name != exchange.EventError {
						continue
					}
					if e, ok := ev.Payload.(*errs.E); ok && e.RawCode == "-1125" {
						renewErr = e
					}
				case <-deadline:
					t.Fatal("renewal failure not reported")
				}
			}
			require.Equal(t, "This listenKey does not exist.", renewErr.RawMsg)
			require.Equal(t, status, renewErr.HTTP)

			require.Eventually(t, func() bool { return f.renewals.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
			require.Empty(t, f.userConns, "user stream must not be redialled")
			require.Equal(t, int64(1), f.keys.Load())
		})
	}
}
