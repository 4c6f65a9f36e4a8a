package krakenfutures

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/adapters/shared"
	"github.com/coachpo/derivgate/internal/infra/orderbook"
	"github.com/coachpo/derivgate/internal/infra/rest"
	"github.com/coachpo/derivgate/internal/infra/signing"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

var privateFeeds = []schema.FeedKind{
	schema.FeedOrders,
	schema.FeedFills,
	schema.FeedPositions,
	schema.FeedBalances,
}

// Adapter connects one Kraken Futures account.
type Adapter struct {
	cfg     Config
	store   exchange.Store
	emitter exchange.Emitter
	logger  *log.Logger

	signer    *signing.KrakenFutures
	rest      *rest.Client
	books     *orderbook.Synchronizer
	public    *stream.Session
	private   *stream.Session
	listeners *shared.Listeners

	closed  atomic.Bool
	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New validates cfg and builds the sessions without connecting. Credentials
// are optional; malformed ones fail here.
func New(cfg Config, deps exchange.Deps) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if deps.Store == nil {
		return nil, errs.New(cfg.Name, errs.CodeConfig, errs.WithMessage("store required"))
	}
	logger := deps.Logger
	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	a := &Adapter{
		cfg:     cfg,
		store:   deps.Store,
		emitter: deps.Emitter,
		logger:  logger,
		books:   orderbook.New(cfg.Name),
	}

	var signer signing.Signer
	if cfg.hasCredentials() {
		kf, err := signing.NewKrakenFutures(cfg.Name, cfg.APIKey, cfg.APISecret)
		if err != nil {
			return nil, err
		}
		a.signer = kf
		signer = kf
	}
	a.rest = rest.NewClient(rest.Config{
		Exchange:          cfg.Name,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.HTTPTimeout,
		PublicPrefixes:    []string{instrumentsPath, tickersPath},
		UserAgent:         "derivgate",
	}, signer, decodeError(cfg.Name), nil)

	public, err := stream.New(a.sessionConfig("public", codec{}, nil, a.publicHandlers(), func(from, to stream.State) {
		if to == stream.StateClosed {
			a.books.Invalidate()
		}
	}))
	if err != nil {
		return nil, err
	}
	a.public = public
	a.listeners = shared.NewListeners(cfg.Name, public, a.books, a.store, cfg.ResolveRetry, a.reportError)

	if a.signer != nil {
		auth := &challengeAuth{exchange: cfg.Name, signer: a.signer}
		private, err := stream.New(a.sessionConfig("private", codec{auth: auth}, auth, a.privateHandlers(), nil))
		if err != nil {
			return nil, err
		}
		a.private = private
	}
	return a, nil
}

func (a *Adapter) sessionConfig(kind string, c stream.Codec, auth stream.Authenticator, handlers map[string]stream.Handler, onState func(from, to stream.State)) stream.Config {
	name := a.cfg.Name + "/" + kind
	return stream.Config{
		Exchange:        a.cfg.Name,
		Name:            name,
		URL:             a.cfg.WSURL,
		Codec:           c,
		Auth:            auth,
		Handlers:        handlers,
		PingInterval:    a.cfg.PingInterval,
		PingTimeout:     a.cfg.PingTimeout,
		ControlInterval: a.cfg.ControlInterval,
		MinReconnect:    a.cfg.MinReconnect,
		MaxReconnect:    a.cfg.MaxReconnect,
		Logger:          log.New(a.logger.Writer(), "stream["+name+"] ", a.logger.Flags()),
		OnError:         a.reportError,
		OnState: func(from, to stream.State) {
			a.logger.Printf("%s: %s -> %s", name, from, to)
			if onState != nil {
				onState(from, to)
			}
		},
	}
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return a.cfg.Name }

// Books exposes the synchronizer for diagnostics. It must only be read on
// the public session loop.
func (a *Adapter) Books() *orderbook.Synchronizer { return a.books }

// PublicSession returns the market data session.
func (a *Adapter) PublicSession() *stream.Session { return a.public }

// PrivateSession returns the account session, or nil without credentials.
func (a *Adapter) PrivateSession() *stream.Session { return a.private }

// ConnectAndSubscribe implements exchange.Exchange.
func (a *Adapter) ConnectAndSubscribe(ctx context.Context) {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.started || a.closed.Load() {
		return
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	a.public.Start(ctx)
	if a.private != nil {
		// Account feeds stay subscribed for the session lifetime.
		for _, feed := range privateFeeds {
			_ = a.private.Acquire(schema.Topic{Feed: feed})
		}
		a.private.Start(ctx)
	}
	a.wg.Go(func() { a.loadMarketsUntilReady(ctx) })
}

func (a *Adapter) loadMarketsUntilReady(ctx context.Context) {
	if a.store.MarketsLoaded() {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	_, err := backoff.Retry(ctx, func() ([]schema.Market, error) {
		return a.LoadMarkets(ctx)
	}, backoff.WithBackOff(bo), backoff.WithNotify(func(err error, wait time.Duration) {
		a.logger.Printf("%s: load markets failed, retry in %s: %v", a.cfg.Name, wait, err)
	}))
	if err != nil && ctx.Err() == nil {
		a.reportError(err)
	}
}

// ListenOrderBook implements exchange.Exchange.
func (a *Adapter) ListenOrderBook(symbol string, cb schema.BookCallback) func() {
	return a.listeners.Book(symbol, cb)
}

// ListenTicker implements exchange.Exchange.
func (a *Adapter) ListenTicker(symbol string) func() {
	return a.listeners.Feed(schema.FeedTicker, symbol)
}

// LoadMarkets fetches the instrument catalogue into the store.
func (a *Adapter) LoadMarkets(ctx context.Context) ([]schema.Market, error) {
	var resp instrumentsResponse
	if err := a.getPublic(ctx, "load_markets", instrumentsPath, &resp); err != nil {
		return nil, err
	}
	markets := make([]schema.Market, 0, len(resp.Instruments))
	for _, in := range resp.Instruments {
		if mk, ok := mapMarket(in); ok {
			markets = append(markets, mk)
		}
	}
	a.store.SetMarkets(markets)
	return markets, nil
}

// FetchTickers loads every ticker into the store.
func (a *Adapter) FetchTickers(ctx context.Context) ([]schema.Ticker, error) {
	var resp tickersResponse
	if err := a.getPublic(ctx, "fetch_tickers", tickersPath, &resp); err != nil {
		return nil, err
	}
	out := make([]schema.Ticker, 0, len(resp.Tickers))
	for _, t := range resp.Tickers {
		ticker := schema.Ticker{
			Symbol:      a.symbolFor(t.Symbol),
			Bid:         t.Bid,
			Ask:         t.Ask,
			Last:        t.Last,
			Mark:        t.MarkPrice,
			Volume:      t.Vol24h,
			FundingRate: t.FundingRate,
			Timestamp:   parseTime(t.LastTime),
		}
		a.store.UpdateTicker(ticker)
		out = append(out, ticker)
	}
	return out, nil
}

func (a *Adapter) market(symbol string) (schema.Market, error) {
	mk, ok := a.store.MarketBySymbol(symbol)
	if !ok {
		return schema.Market{}, errs.New(a.cfg.Name, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithMessage("unknown symbol "+symbol))
	}
	return mk, nil
}

// PlaceOrder submits an order. A client order id is generated when absent.
func (a *Adapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	mk, err := a.market(req.Symbol)
	if err != nil {
		return schema.Order{}, err
	}
	if !req.Amount.IsPositive() {
		return schema.Order{}, errs.New(a.cfg.Name, errs.CodeInvalid, errs.WithMessage("order amount must be positive"))
	}
	if req.Type != schema.OrderTypeMarket && !req.Price.IsPositive() {
		return schema.Order{}, errs.New(a.cfg.Name, errs.CodeInvalid, errs.WithMessage("limit price must be positive"))
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	form := url.Values{}
	form.Set("orderType", wireOrderType(req.Type))
	form.Set("symbol", mk.ProductID)
	form.Set("side", string(req.Side))
	form.Set("size", req.Amount.String())
	form.Set("cliOrdId", req.ClientOrderID)
	if req.Type != schema.OrderTypeMarket {
		form.Set("limitPrice", req.Price.String())
	}
	if req.ReduceOnly {
		form.Set("reduceOnly", "true")
	}

	var resp sendOrderResponse
	if err := a.postPrivate(ctx, "place_order", sendOrderPath, form, &resp); err != nil {
		return schema.Order{}, err
	}
	if resp.SendStatus.Status != "placed" {
		code, canonical := classify(resp.SendStatus.Status)
		return schema.Order{}, errs.New(a.cfg.Name, code,
			errs.WithMessage("order not placed"),
			errs.WithRawCode(resp.SendStatus.Status),
			errs.WithCanonicalCode(canonical),
			errs.WithField("cli_ord_id", req.ClientOrderID))
	}

	order := schema.Order{
		ID:            resp.SendStatus.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        mk.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        schema.OrderStatusOpen,
		Price:         req.Price,
		Amount:        req.Amount,
		Filled:        decimal.Zero,
		ReduceOnly:    req.ReduceOnly,
		Timestamp:     parseTime(resp.SendStatus.ReceivedTime),
	}
	a.store.AddOrUpdateOrders([]schema.Order{order})
	return order, nil
}

// CancelOrder cancels by exchange order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return errs.New(a.cfg.Name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	form := url.Values{}
	form.Set("order_id", orderID)
	var resp cancelOrderResponse
	if err := a.postPrivate(ctx, "cancel_order", cancelOrderPath, form, &resp); err != nil {
		return err
	}
	switch resp.CancelStatus.Status {
	case "cancelled":
		a.store.RemoveOrders([]string{orderID})
		return nil
	case "notFound":
		return errs.New(a.cfg.Name, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithRawCode(resp.CancelStatus.Status),
			errs.WithField("symbol", symbol), errs.WithField("order_id", orderID))
	default:
		return errs.New(a.cfg.Name, errs.CodeExchange,
			errs.WithRawCode(resp.CancelStatus.Status),
			errs.WithField("order_id", orderID))
	}
}

// FetchPositions loads open positions into the store.
func (a *Adapter) FetchPositions(ctx context.Context) ([]schema.Position, error) {
	var resp openPositionsResponse
	if err := a.getPrivate(ctx, "fetch_positions", openPositionsPath, &resp); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		positions = append(positions, mapRestPosition(p, a.symbolFor(p.Symbol)))
	}
	a.store.SetPositions(positions)
	return positions, nil
}

// FetchBalance loads the multi-collateral account balance into the store.
func (a *Adapter) FetchBalance(ctx context.Context) (schema.Balance, error) {
	var resp accountsResponse
	if err := a.getPrivate(ctx, "fetch_balance", accountsPath, &resp); err != nil {
		return schema.Balance{}, err
	}
	raw, ok := resp.Accounts["flex"]
	if !ok {
		return schema.Balance{}, errs.New(a.cfg.Name, errs.CodeNotFound, errs.WithMessage("flex account missing"))
	}
	var flex restFlexAccount
	if err := json.Unmarshal(raw, &flex); err != nil {
		return schema.Balance{}, errs.New(a.cfg.Name, errs.CodeProtocol,
			errs.WithMessage("decode flex account"), errs.WithCause(err))
	}
	balance := schema.Balance{
		Currency:  "USD",
		Total:     flex.BalanceValue,
		Free:      flex.AvailableMargin,
		Used:      flex.InitialMargin,
		Timestamp: time.Now().UTC(),
	}
	a.store.UpdateBalance(balance)
	return balance, nil
}

// Dispose implements exchange.Exchange.
func (a *Adapter) Dispose() {
	if a.closed.Swap(true) {
		return
	}
	a.listeners.Close()
	a.public.Close()
	if a.private != nil {
		a.private.Close()
	}
	a.lifeMu.Lock()
	cancel := a.cancel
	a.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) reportError(err error) {
	if err == nil || a.closed.Load() {
		return
	}
	a.emit(exchange.EventError, err)
}

func (a *Adapter) emit(event string, payload any) {
	if a.emitter == nil || a.closed.Load() {
		return
	}
	a.emitter.Emit(event, payload)
}

func (a *Adapter) String() string {
	return fmt.Sprintf("%s(%s)", Identifier, a.cfg.Name)
}

var _ exchange.Exchange = (*Adapter)(nil)
