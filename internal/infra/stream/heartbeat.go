package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coachpo/derivgate/errs"
)

// Pinger sends a ping and blocks until the matching pong or ctx ends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor measures heartbeat latency and detects stalled connections.
type Monitor struct {
	exchange  string
	interval  time.Duration
	timeout   time.Duration
	onLatency func(time.Duration)

	lastPing atomic.Int64
	lastPong atomic.Int64
	latency  atomic.Int64
}

// NewMonitor creates a monitor. onLatency receives round-trip/2 after each pong.
func NewMonitor(exchange string, interval, timeout time.Duration, onLatency func(time.Duration)) *Monitor {
	return &Monitor{exchange: exchange, interval: interval, timeout: timeout, onLatency: onLatency}
}

// Run pings immediately and then once per interval after each pong. It
// returns nil when ctx ends and a network error when a pong is late.
func (m *Monitor) Run(ctx context.Context, p Pinger) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		sent := time.Now()
		m.lastPing.Store(sent.UnixNano())
		pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := p.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errs.New(m.exchange, errs.CodeNetwork,
				errs.WithMessage("heartbeat: no pong within "+m.timeout.String()), errs.WithCause(err))
		}

		received := time.Now()
		m.lastPong.Store(received.UnixNano())
		oneWay := received.Sub(sent) / 2
		m.latency.Store(int64(oneWay))
		if m.onLatency != nil {
			m.onLatency(oneWay)
		}
		timer.Reset(m.interval)
	}
}

// LastPingAt returns when the last ping was sent.
func (m *Monitor) LastPingAt() time.Time { return unixNano(m.lastPing.Load()) }

// LastPongAt returns when the last pong arrived.
func (m *Monitor) LastPongAt() time.Time { return unixNano(m.lastPong.Load()) }

// Latency returns the last one-way latency estimate.
func (m *Monitor) Latency() time.Duration { return time.Duration(m.latency.Load()) }

func unixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}
