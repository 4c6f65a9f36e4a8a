// Package orderbook maintains sorted, depth-annotated books from snapshot and
// delta events.
//
// A Synchronizer is owned by one streaming session loop and is not safe for
// concurrent use; the only exception is Listener.Stop, which may be called
// from any goroutine.
package orderbook

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/domain/schema"
)

// Listener is one callback registration for a book key.
type Listener struct {
	key    string
	cb     schema.BookCallback
	active atomic.Bool
}

// Key returns the book key the listener observes.
func (l *Listener) Key() string { return l.key }

// Stop deactivates the listener immediately. Removal from the synchronizer
// still has to happen on the owning loop via Unlisten.
func (l *Listener) Stop() { l.active.Store(false) }

func (l *Listener) deliver(book schema.OrderBook) {
	if l.active.Load() {
		l.cb(book)
	}
}

type book struct {
	symbol    string
	bids      bookSide
	asks      bookSide
	seeded    bool
	sequence  int64
	updatedAt time.Time
	listeners []*Listener
}

func newBook(symbol string) *book {
	return &book{
		symbol:    symbol,
		bids:      bookSide{kind: schema.SideBids, levels: nil},
		asks:      bookSide{kind: schema.SideAsks, levels: nil},
		seeded:    false,
		sequence:  0,
		updatedAt: time.Time{},
		listeners: nil,
	}
}

func (b *book) view() schema.OrderBook {
	return schema.OrderBook{
		Symbol:    b.symbol,
		Bids:      b.bids.clone(),
		Asks:      b.asks.clone(),
		Sequence:  b.sequence,
		UpdatedAt: b.updatedAt,
	}
}

func (b *book) publish() {
	if len(b.listeners) == 0 {
		return
	}
	view := b.view()
	for _, l := range b.listeners {
		l.deliver(view)
	}
}

// Synchronizer holds one book per key.
type Synchronizer struct {
	exchange string
	books    map[string]*book
}

// New creates an empty synchronizer. exchange labels errors.
func New(exchange string) *Synchronizer {
	return &Synchronizer{exchange: exchange, books: make(map[string]*book)}
}

func (s *Synchronizer) ensure(key string) *book {
	b, ok := s.books[key]
	if !ok {
		b = newBook(key)
		s.books[key] = b
	}
	return b
}

// Listen registers cb for key. If the book already holds a snapshot the new
// listener receives the current state right away.
func (s *Synchronizer) Listen(key string, cb schema.BookCallback) *Listener {
	l := &Listener{key: key, cb: cb}
	l.active.Store(true)
	b := s.ensure(key)
	b.listeners = append(b.listeners, l)
	if b.seeded {
		l.deliver(b.view())
	}
	return l
}

// Unlisten stops and removes l. Removing the last listener discards the book.
// It reports whether the book was discarded.
func (s *Synchronizer) Unlisten(l *Listener) bool {
	if l == nil {
		return false
	}
	l.Stop()
	b, ok := s.books[l.key]
	if !ok {
		return false
	}
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			break
		}
	}
	if len(b.listeners) == 0 {
		delete(s.books, l.key)
		return true
	}
	return false
}

// Watched reports whether key has at least one listener.
func (s *Synchronizer) Watched(key string) bool {
	b, ok := s.books[key]
	return ok && len(b.listeners) > 0
}

// Discard drops the book and every listener for key.
func (s *Synchronizer) Discard(key string) {
	if b, ok := s.books[key]; ok {
		for _, l := range b.listeners {
			l.Stop()
		}
		delete(s.books, key)
	}
}

// Invalidate clears the contents of every book while keeping listeners, so
// the next event after a reconnect starts from an empty book.
func (s *Synchronizer) Invalidate() {
	for key, b := range s.books {
		if len(b.listeners) == 0 {
			delete(s.books, key)
			continue
		}
		b.bids.levels = nil
		b.asks.levels = nil
		b.seeded = false
		b.sequence = 0
	}
}

// Book returns a copy of the current book for key.
func (s *Synchronizer) Book(key string) (schema.OrderBook, bool) {
	b, ok := s.books[key]
	if !ok {
		return schema.OrderBook{}, false
	}
	return b.view(), true
}

// ApplySnapshot replaces both sides of the book for key and notifies listeners.
// Invalid input leaves the book untouched.
func (s *Synchronizer) ApplySnapshot(key string, snap schema.BookSnapshot) error {
	if err := s.validateLevels(key, snap.Bids); err != nil {
		return err
	}
	if err := s.validateLevels(key, snap.Asks); err != nil {
		return err
	}
	b := s.ensure(key)
	b.bids.replace(snap.Bids)
	b.asks.replace(snap.Asks)
	b.seeded = true
	b.sequence = snap.Sequence
	b.updatedAt = stamp(snap.Timestamp)
	b.publish()
	return nil
}

// ApplyDelta updates a single level and notifies listeners. A delta before
// any snapshot seeds an empty book. Removing an absent price is a no-op that
// still counts as an applied event.
func (s *Synchronizer) ApplyDelta(key string, delta schema.BookDelta) error {
	if !delta.Side.Valid() {
		return s.invalid(key, fmt.Sprintf("unknown side %q", delta.Side))
	}
	if err := s.validateLevel(key, delta.Price, delta.Amount); err != nil {
		return err
	}
	b := s.ensure(key)
	if delta.Side == schema.SideBids {
		b.bids.apply(delta.Price, delta.Amount)
	} else {
		b.asks.apply(delta.Price, delta.Amount)
	}
	b.seeded = true
	if delta.Sequence > b.sequence {
		b.sequence = delta.Sequence
	}
	b.updatedAt = stamp(delta.Timestamp)
	b.publish()
	return nil
}

func (s *Synchronizer) validateLevels(key string, levels []schema.PriceLevel) error {
	for _, lvl := range levels {
		if err := s.validateLevel(key, lvl.Price, lvl.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) validateLevel(key string, price, amount decimal.Decimal) error {
	if price.Sign() <= 0 {
		return s.invalid(key, "non-positive price")
	}
	if amount.Sign() < 0 {
		return s.invalid(key, "negative amount")
	}
	return nil
}

func (s *Synchronizer) invalid(key, msg string) error {
	return errs.New(s.exchange, errs.CodeProtocol, errs.WithMessage(msg), errs.WithField("book", key))
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
