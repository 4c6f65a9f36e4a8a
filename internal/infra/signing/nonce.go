// Package signing turns outbound exchange requests into authenticated requests.
package signing

import (
	"sync/atomic"
	"time"
)

// NonceSource issues strictly increasing nonces derived from the wall clock.
// A value never repeats or goes backwards for the lifetime of the source, even
// when the clock stalls or steps back, or when callers race.
type NonceSource struct {
	unit time.Duration
	now  func() time.Time
	last atomic.Int64
}

// NewNonceSource creates a source counting in the given unit (for example
// time.Microsecond). Non-positive units default to microseconds.
func NewNonceSource(unit time.Duration) *NonceSource {
	if unit <= 0 {
		unit = time.Microsecond
	}
	return &NonceSource{unit: unit, now: time.Now}
}

// Next returns max(now, last+1) and records it.
func (n *NonceSource) Next() int64 {
	for {
		last := n.last.Load()
		next := n.now().UnixNano() / int64(n.unit)
		if next <= last {
			next = last + 1
		}
		if n.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
