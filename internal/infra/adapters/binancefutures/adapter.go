package binancefutures

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
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

// Adapter connects one Binance USD-M futures account.
type Adapter struct {
	cfg     Config
	store   exchange.Store
	emitter exchange.Emitter
	logger  *log.Logger

	rest      *rest.Client
	books     *orderbook.Synchronizer
	public    *stream.Session
	user      *stream.Session
	listeners *shared.Listeners
	listenKey atomic.Value

	// tickers is owned by the public loop, positions by the user loop.
	tickers   map[string]schema.Ticker
	positions map[string]schema.Position

	closed  atomic.Bool
	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New validates cfg and builds the sessions without connecting.
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
		cfg:       cfg,
		store:     deps.Store,
		emitter:   deps.Emitter,
		logger:    logger,
		books:     orderbook.New(cfg.Name),
		tickers:   make(map[string]schema.Ticker),
		positions: make(map[string]schema.Position),
	}
	a.listenKey.Store("")

	var signer signing.Signer
	if cfg.hasCredentials() {
		b, err := signing.NewBinance(cfg.Name, cfg.APIKey, cfg.APISecret, cfg.RecvWindow)
		if err != nil {
			return nil, err
		}
		signer = b
	}
	a.rest = rest.NewClient(rest.Config{
		Exchange:          cfg.Name,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.HTTPTimeout,
		PublicPrefixes:    []string{exchangeInfoPath},
		UserAgent:         "derivgate",
	}, signer, decodeError(cfg.Name), nil)

	publicCfg := a.sessionConfig("public", &codec{depth: cfg.BookDepth}, a.publicHandlers())
	publicCfg.URL = cfg.WSURL
	publicCfg.OnState = a.observe(publicCfg.Name, func(to stream.State) {
		if to == stream.StateClosed {
			a.books.Invalidate()
		}
	})
	public, err := stream.New(publicCfg)
	if err != nil {
		return nil, err
	}
	a.public = public
	a.listeners = shared.NewListeners(cfg.Name, public, a.books, a.store, cfg.ResolveRetry, a.reportError)

	if signer != nil {
		userCfg := a.sessionConfig("user", userCodec{}, a.userHandlers())
		userCfg.URLFunc = a.userStreamURL
		userCfg.OnState = a.observe(userCfg.Name, nil)
		user, err := stream.New(userCfg)
		if err != nil {
			return nil, err
		}
		a.user = user
	}
	return a, nil
}

func (a *Adapter) sessionConfig(kind string, c stream.Codec, handlers map[string]stream.Handler) stream.Config {
	name := a.cfg.Name + "/" + kind
	return stream.Config{
		Exchange:        a.cfg.Name,
		Name:            name,
		Codec:           c,
		Handlers:        handlers,
		PingInterval:    a.cfg.PingInterval,
		PingTimeout:     a.cfg.PingTimeout,
		ControlInterval: a.cfg.ControlInterval,
		MinReconnect:    a.cfg.MinReconnect,
		MaxReconnect:    a.cfg.MaxReconnect,
		Logger:          log.New(a.logger.Writer(), "stream["+name+"] ", a.logger.Flags()),
		OnError:         a.reportError,
	}
}

func (a *Adapter) observe(name string, next func(to stream.State)) func(from, to stream.State) {
	return func(from, to stream.State) {
		a.logger.Printf("%s: %s -> %s", name, from, to)
		if next != nil {
			next(to)
		}
	}
}

// userStreamURL creates a fresh listen key for every connect.
func (a *Adapter) userStreamURL(ctx context.Context) (string, error) {
	key, err := a.createListenKey(ctx)
	if err != nil {
		return "", err
	}
	a.listenKey.Store(key)
	return a.cfg.WSURL + "/" + url.PathEscape(key), nil
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return a.cfg.Name }

// PublicSession returns the market data session.
func (a *Adapter) PublicSession() *stream.Session { return a.public }

// UserSession returns the user data session, or nil without credentials.
func (a *Adapter) UserSession() *stream.Session { return a.user }

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
	if a.user != nil {
		a.user.Start(ctx)
		a.wg.Go(func() { a.keepAlive(ctx) })
	}
	a.wg.Go(func() { a.loadMarketsUntilReady(ctx) })
}

// keepAlive renews the current listen key until ctx ends. Failures are
// reported but do not reconnect; an expired key arrives as a stream event.
func (a *Adapter) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if key, _ := a.listenKey.Load().(string); key == "" {
				continue
			}
			if err := a.renewListenKey(ctx); err != nil && ctx.Err() == nil {
				a.reportError(err)
			}
		}
	}
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

// LoadMarkets fetches exchangeInfo into the store.
func (a *Adapter) LoadMarkets(ctx context.Context) ([]schema.Market, error) {
	var resp exchangeInfoResponse
	if err := a.call(ctx, "load_markets", http.MethodGet, exchangeInfoPath, rest.AuthNone, nil, &resp); err != nil {
		return nil, err
	}
	markets := make([]schema.Market, 0, len(resp.Symbols))
	for _, info := range resp.Symbols {
		if mk, ok := mapMarket(info); ok {
			markets = append(markets, mk)
		}
	}
	a.store.SetMarkets(markets)
	return markets, nil
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

	orderType, tif := wireOrderType(req.Type)
	query := url.Values{}
	query.Set("symbol", mk.ProductID)
	query.Set("side", strings.ToUpper(string(req.Side)))
	query.Set("type", orderType)
	query.Set("quantity", req.Amount.String())
	query.Set("newClientOrderId", req.ClientOrderID)
	if tif != "" {
		query.Set("timeInForce", tif)
		query.Set("price", req.Price.String())
	}
	if req.ReduceOnly {
		query.Set("reduceOnly", "true")
	}

	var resp orderResponse
	if err := a.call(ctx, "place_order", http.MethodPost, orderPath, rest.AuthSigned, query, &resp); err != nil {
		return schema.Order{}, err
	}
	order := mapOrderResponse(resp, mk.Symbol)
	a.store.AddOrUpdateOrders([]schema.Order{order})
	return order, nil
}

// CancelOrder cancels by exchange order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return errs.New(a.cfg.Name, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	mk, err := a.market(symbol)
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("symbol", mk.ProductID)
	query.Set("orderId", orderID)
	if err := a.call(ctx, "cancel_order", http.MethodDelete, orderPath, rest.AuthSigned, query, nil); err != nil {
		return err
	}
	a.store.RemoveOrders([]string{orderID})
	return nil
}

// FetchPositions loads non-flat positions into the store.
func (a *Adapter) FetchPositions(ctx context.Context) ([]schema.Position, error) {
	var resp []positionRisk
	if err := a.call(ctx, "fetch_positions", http.MethodGet, positionRiskPath, rest.AuthSigned, nil, &resp); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(resp))
	for _, p := range resp {
		if p.PositionAmt.IsZero() {
			continue
		}
		positions = append(positions, mapPosition(a.symbolFor(p.Symbol), p.PositionAmt, p.EntryPrice, p.UnrealizedProfit, p.UpdateTime))
	}
	a.store.SetPositions(positions)
	if a.user != nil {
		seeded := append([]schema.Position(nil), positions...)
		a.user.Do(func() {
			a.positions = make(map[string]schema.Position, len(seeded))
			for _, p := range seeded {
				a.positions[p.Symbol] = p
			}
		})
	}
	return positions, nil
}

// FetchBalance loads the settlement asset balance into the store.
func (a *Adapter) FetchBalance(ctx context.Context) (schema.Balance, error) {
	var resp []assetBalance
	if err := a.call(ctx, "fetch_balance", http.MethodGet, balancePath, rest.AuthSigned, nil, &resp); err != nil {
		return schema.Balance{}, err
	}
	for _, b := range resp {
		if b.Asset != a.cfg.SettleAsset {
			continue
		}
		balance := schema.Balance{
			Currency:  b.Asset,
			Total:     b.Balance,
			Free:      b.AvailableBalance,
			Used:      b.Balance.Sub(b.AvailableBalance),
			Timestamp: unixMillis(b.UpdateTime),
		}
		a.store.UpdateBalance(balance)
		return balance, nil
	}
	return schema.Balance{}, errs.New(a.cfg.Name, errs.CodeNotFound,
		errs.WithMessage("no balance for "+a.cfg.SettleAsset))
}

// Dispose implements exchange.Exchange.
func (a *Adapter) Dispose() {
	if a.closed.Swap(true) {
		return
	}
	a.listeners.Close()
	a.public.Close()
	if a.user != nil {
		a.user.Close()
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

var _ exchange.Exchange = (*Adapter)(nil)
