package shared

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/orderbook"
)

const defaultResolveRetry = 500 * time.Millisecond

// Loop is the part of a streaming session listeners need.
type Loop interface {
	Do(fn func()) bool
	Acquire(topic schema.Topic) (release func())
}

// Markets resolves unified symbols once the catalogue is loaded.
type Markets interface {
	MarketsLoaded() bool
	MarketBySymbol(symbol string) (schema.Market, bool)
}

// Listeners turns caller registrations into topic acquisitions on a session,
// waiting for the market catalogue when needed.
type Listeners struct {
	exchange string
	loop     Loop
	books    *orderbook.Synchronizer
	markets  Markets
	retry    time.Duration
	report   func(error)

	mu     sync.Mutex
	closed bool
	active map[*registration]struct{}
}

type registration struct {
	stopped atomic.Bool

	mu       sync.Mutex
	timer    *time.Timer
	release  func()
	listener *orderbook.Listener
}

// NewListeners builds listener plumbing for one session. books is owned by
// loop; retry paces market-resolution attempts.
func NewListeners(exchange string, loop Loop, books *orderbook.Synchronizer, markets Markets, retry time.Duration, report func(error)) *Listeners {
	if retry <= 0 {
		retry = defaultResolveRetry
	}
	if report == nil {
		report = func(error) {}
	}
	return &Listeners{
		exchange: exchange,
		loop:     loop,
		books:    books,
		markets:  markets,
		retry:    retry,
		report:   report,
		active:   make(map[*registration]struct{}),
	}
}

// Book registers cb for symbol's order book and acquires the book topic.
func (l *Listeners) Book(symbol string, cb schema.BookCallback) (unsubscribe func()) {
	r := &registration{}
	guarded := func(book schema.OrderBook) {
		if !r.stopped.Load() {
			cb(book)
		}
	}
	return l.listen(r, symbol, func(productID string) {
		l.loop.Do(func() {
			if r.stopped.Load() {
				return
			}
			listener := l.books.Listen(productID, guarded)
			r.mu.Lock()
			r.listener = listener
			r.mu.Unlock()
		})
		r.release = l.loop.Acquire(schema.Topic{Feed: schema.FeedBook, ProductID: productID})
	})
}

// Feed acquires a non-book topic for symbol.
func (l *Listeners) Feed(feed schema.FeedKind, symbol string) (unsubscribe func()) {
	r := &registration{}
	return l.listen(r, symbol, func(productID string) {
		r.release = l.loop.Acquire(schema.Topic{Feed: feed, ProductID: productID})
	})
}

// Close stops every pending and active registration.
func (l *Listeners) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	regs := make([]*registration, 0, len(l.active))
	for r := range l.active {
		regs = append(regs, r)
	}
	l.active = nil
	l.mu.Unlock()
	for _, r := range regs {
		l.stop(r)
	}
}

// Pending reports how many registrations are alive.
func (l *Listeners) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Listeners) listen(r *registration, symbol string, wire func(productID string)) func() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}
	l.active[r] = struct{}{}
	l.mu.Unlock()

	l.resolve(r, symbol, wire)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.active != nil {
				delete(l.active, r)
			}
			l.mu.Unlock()
			l.stop(r)
		})
	}
}

// resolve wires r once the symbol maps to a product, retrying on a timer
// while the catalogue is still loading.
func (l *Listeners) resolve(r *registration, symbol string, wire func(productID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Load() {
		return
	}
	r.timer = nil
	if !l.markets.MarketsLoaded() {
		r.timer = time.AfterFunc(l.retry, func() { l.resolve(r, symbol, wire) })
		return
	}
	market, ok := l.markets.MarketBySymbol(symbol)
	if !ok {
		l.report(errs.New(l.exchange, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithMessage("unknown symbol "+symbol)))
		return
	}
	wire(market.ProductID)
}

func (l *Listeners) stop(r *registration) {
	if r.stopped.Swap(true) {
		return
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	release := r.release
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.Stop()
	}
	if release != nil {
		release()
	}
	l.loop.Do(func() {
		r.mu.Lock()
		listener := r.listener
		r.listener = nil
		r.mu.Unlock()
		if listener != nil {
			l.books.Unlisten(listener)
		}
	})
}
