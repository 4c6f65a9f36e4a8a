package krakenfutures

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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
	"github.com/coachpo/derivgate/internal/infra/rest"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

const instrumentsBody = `{"result":"success","instruments":[
	{"symbol":"PF_XBTUSD","type":"flexible_futures","base":"XBT","quote":"USD","tickSize":0.5,"contractSize":1,"tradeable":true},
	{"symbol":"PI_ETHUSD","type":"futures_inverse","underlying":"rr_ethusd","tickSize":0.05,"contractSize":1,"tradeable":true},
	{"symbol":"FI_XBTUSD_240628","type":"futures_inverse","underlying":"rr_xbtusd","tickSize":0.5,"contractSize":1,"tradeable":true,"lastTradingTime":"2024-06-28T15:00:00.000Z"},
	{"symbol":"in_xbtusd","type":"spot index","tradeable":false}]}`

type fakeKraken struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	requests map[string]*http.Request
	forms    map[string]string
	frames   chan command
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	// rejectSigned answers signed subscribes with an error event.
	rejectSigned bool
}

func newFakeKraken(t *testing.T) *fakeKraken {
	t.Helper()
	f := &fakeKraken{
		t:        t,
		requests: make(map[string]*http.Request),
		forms:    make(map[string]string),
		frames:   make(chan command, 64),
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeKraken) handle(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeKraken) request(path string) (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path], f.forms[path]
}

func (f *fakeKraken) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws/v1" {
		f.serveWS(w, r)
		return
	}
	_ = r.ParseForm()
	f.mu.Lock()
	f.requests[r.URL.Path] = r
	f.forms[r.URL.Path] = r.PostForm.Encode()
	h, ok := f.handlers[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeKraken) serveWS(w http.ResponseWriter, r *http.Request) {
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
		var cmd command
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		select {
		case f.frames <- cmd:
		default:
		}
		if cmd.Event == "challenge" {
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"challenge","message":"c-42"}`))
		}
		if cmd.Event == "subscribe" {
			f.mu.Lock()
			reject := f.rejectSigned && cmd.SignedChallenge != ""
			f.mu.Unlock()
			if reject {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"error","message":"Invalid challenge"}`))
				continue
			}
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"subscribed","feed":"`+cmd.Feed+`"}`))
		}
		if cmd.Event == "subscribe" && cmd.Feed == "book" {
			for _, product := range cmd.ProductIDs {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"feed":"book_snapshot","product_id":"`+product+`","seq":1,
					"bids":[{"price":100,"qty":2}],"asks":[{"price":101,"qty":3}]}`))
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"feed":"book","product_id":"`+product+`","side":"buy","seq":2,"price":100,"qty":0}`))
			}
		}
	}
}

func (f *fakeKraken) nextFrame(t *testing.T) command {
	t.Helper()
	select {
	case cmd := <-f.frames:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return command{}
	}
}

func (f *fakeKraken) config() Config {
	return Config{
		BaseURL:      f.srv.URL,
		WSURL:        "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/v1",
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

func TestNewRejectsMalformedSecret(t *testing.T) {
	_, err := New(Config{APIKey: "k", APISecret: "%%%"}, exchange.Deps{Store: store.NewMemory()})
	require.True(t, errs.Is(err, errs.CodeConfig))

	_, err = New(Config{}, exchange.Deps{})
	require.True(t, errs.Is(err, errs.CodeConfig))
}

func TestLoadMarketsMapsInstruments(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	a, st, _ := newAdapter(t, f.config())

	markets, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 3)
	require.True(t, st.MarketsLoaded())

	btc, ok := st.MarketBySymbol("BTC/USD:USD")
	require.True(t, ok)
	require.Equal(t, "PF_XBTUSD", btc.ProductID)
	require.Equal(t, schema.MarketSwap, btc.Type)

	eth, ok := st.MarketByProductID("PI_ETHUSD")
	require.True(t, ok)
	require.Equal(t, "ETH/USD:ETH", eth.Symbol)

	dated, ok := st.MarketByProductID("FI_XBTUSD_240628")
	require.True(t, ok)
	require.Equal(t, "BTC/USD:BTC-240628", dated.Symbol)
	require.Equal(t, schema.MarketFuture, dated.Type)
}

func TestPlaceOrderSignsAndMaps(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	f.handle(sendOrderPath, `{"result":"success","sendStatus":{"order_id":"o-1","status":"placed","receivedTime":"2024-01-01T00:00:00.000Z"}}`)
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, st, _ := newAdapter(t, cfg)
	_, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)

	order, err := a.PlaceOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC/USD:USD", Side: schema.OrderSideBuy, Type: schema.OrderTypePostOnly,
		Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(100), ReduceOnly: true,
	})
	require.NoError(t, err)
	require.Equal(t, "o-1", order.ID)
	require.NotEmpty(t, order.ClientOrderID)
	require.Len(t, st.Orders(), 1)

	req, form := f.request(sendOrderPath)
	require.Equal(t, "key-1", req.Header.Get("APIKey"))
	require.NotEmpty(t, req.Header.Get("Nonce"))
	require.NotEmpty(t, req.Header.Get("Authent"))
	require.Contains(t, form, "orderType=post")
	require.Contains(t, form, "symbol=PF_XBTUSD")
	require.Contains(t, form, "limitPrice=100")
	require.Contains(t, form, "reduceOnly=true")
	require.Contains(t, form, "cliOrdId="+order.ClientOrderID)

	instrumentsReq, _ := f.request(instrumentsPath)
	require.Empty(t, instrumentsReq.Header.Get("Authent"), "public endpoints are never signed")
}

func TestPlaceOrderRejections(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	f.handle(sendOrderPath, `{"result":"success","sendStatus":{"status":"insufficientAvailableFunds"}}`)
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, _, _ := newAdapter(t, cfg)
	_, err := a.LoadMarkets(context.Background())
	require.NoError(t, err)

	req := schema.OrderRequest{Symbol: "BTC/USD:USD", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket, Amount: decimal.NewFromInt(1)}
	_, err = a.PlaceOrder(context.Background(), req)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CanonicalInsufficientBalance, e.Canonical)
	require.Equal(t, "insufficientAvailableFunds", e.RawCode)

	req.Symbol = "DOGE/USD:USD"
	_, err = a.PlaceOrder(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	req.Symbol, req.Amount = "BTC/USD:USD", decimal.Zero
	_, err = a.PlaceOrder(context.Background(), req)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestRESTErrorEnvelopeIsSurfacedVerbatim(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(openPositionsPath, `{"result":"error","error":"apiLimitExceeded","serverTime":"2024-01-01T00:00:00.000Z"}`)
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, _, _ := newAdapter(t, cfg)

	_, err := a.FetchPositions(context.Background())
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, "apiLimitExceeded", e.RawCode)
	require.Contains(t, e.RawMsg, "serverTime")
}

func TestContextTimeoutOverridesAdapterDefault(t *testing.T) {
	f := newFakeKraken(t)
	release := make(chan struct{})
	defer close(release)
	f.mu.Lock()
	f.handlers[openPositionsPath] = func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	f.mu.Unlock()
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	cfg.HTTPTimeout = time.Minute
	a, _, _ := newAdapter(t, cfg)

	start := time.Now()
	_, err := a.FetchPositions(rest.WithTimeout(context.Background(), 50*time.Millisecond))
	require.True(t, errs.Is(err, errs.CodeNetwork))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestPrivateCallsNeedCredentials(t *testing.T) {
	f := newFakeKraken(t)
	a, _, _ := newAdapter(t, f.config())
	_, err := a.FetchBalance(context.Background())
	require.True(t, errs.Is(err, errs.CodeConfig))
	req, _ := f.request(accountsPath)
	require.Nil(t, req, "no request leaves without credentials")
}

func TestCancelAndAccountQueries(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(cancelOrderPath, `{"result":"success","cancelStatus":{"status":"notFound","order_id":"o-9"}}`)
	f.handle(openPositionsPath, `{"result":"success","openPositions":[{"side":"short","symbol":"PF_XBTUSD","price":100,"size":3}]}`)
	f.handle(accountsPath, `{"result":"success","accounts":{"cash":{"type":"cashAccount"},"flex":{"balanceValue":1000,"availableMargin":750,"initialMargin":250}}}`)
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, st, _ := newAdapter(t, cfg)

	err := a.CancelOrder(context.Background(), "BTC/USD:USD", "o-9")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, form := f.request(cancelOrderPath)
	require.Equal(t, "order_id=o-9", form)

	positions, err := a.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, schema.OrderSideSell, positions[0].Side)
	require.Len(t, st.Positions(), 1)

	balance, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, "750", balance.Free.String())
	require.Equal(t, "250", st.Balance().Used.String())
}

func TestListenOrderBookEndToEnd(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	a, _, _ := newAdapter(t, f.config())

	books := make(chan schema.OrderBook, 16)
	unsubscribe := a.ListenOrderBook("BTC/USD:USD", func(b schema.OrderBook) { books <- b })
	a.ConnectAndSubscribe(context.Background())
	a.ConnectAndSubscribe(context.Background())

	sub := f.nextFrame(t)
	require.Equal(t, "subscribe", sub.Event)
	require.Equal(t, "book", sub.Feed)
	require.Equal(t, []string{"PF_XBTUSD"}, sub.ProductIDs)

	first := <-books
	require.Len(t, first.Bids, 1)
	second := <-books
	require.Empty(t, second.Bids)
	require.Len(t, second.Asks, 1)
	require.True(t, second.Asks[0].Total.Equal(decimal.NewFromInt(3)))

	unsubscribe()
	unsub := f.nextFrame(t)
	require.Equal(t, "unsubscribe", unsub.Event)
	require.Equal(t, []string{"PF_XBTUSD"}, unsub.ProductIDs)

	a.Dispose()
	a.Dispose()
	select {
	case <-a.PublicSession().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("public session did not stop")
	}
}

func TestPrivateSessionAuthenticatesAndSubscribesAccountFeeds(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, _, _ := newAdapter(t, cfg)
	require.NotNil(t, a.PrivateSession())
	a.ConnectAndSubscribe(context.Background())

	challenge := f.nextFrame(t)
	require.Equal(t, "challenge", challenge.Event)
	require.Equal(t, "key-1", challenge.APIKey)

	feeds := make(map[string]command)
	for len(feeds) < len(privateFeeds) {
		cmd := f.nextFrame(t)
		require.Equal(t, "subscribe", cmd.Event)
		feeds[cmd.Feed] = cmd
	}
	for _, feed := range []string{"open_orders", "fills", "open_positions", "balances"} {
		cmd, ok := feeds[feed]
		require.True(t, ok, feed)
		require.Equal(t, "c-42", cmd.OriginalChallenge)
		require.Equal(t, a.signer.SignChallenge("c-42"), cmd.SignedChallenge)
	}
}

func TestRejectedSignedSubscribeReportsAuthErrorAndRetriesHandshake(t *testing.T) {
	f := newFakeKraken(t)
	f.handle(instrumentsPath, instrumentsBody)
	f.mu.Lock()
	f.rejectSigned = true
	f.mu.Unlock()
	cfg := f.config()
	cfg.APIKey, cfg.APISecret = "key-1", testSecret
	a, _, em := newAdapter(t, cfg)
	a.ConnectAndSubscribe(context.Background())

	deadline := time.After(5 * time.Second)
	var authErr *errs.E
	for authErr == nil {
		select {
		case ev := <-em.Events():
			if ev.Name != exchange.EventError {
				continue
			}
			if e, ok := ev.Payload.(*errs.E); ok && e.Code == errs.CodeAuth {
				authErr = e
			}
		case <-deadline:
			t.Fatal("no auth error reported")
		}
	}
	require.Equal(t, "Invalid challenge", authErr.RawMsg)

	challenges := 0
	for challenges < 2 {
		if f.nextFrame(t).Event == "challenge" {
			challenges++
		}
	}
	require.NotEqual(t, stream.StateReady, a.PrivateSession().State())
}
