// Package stream implements the reconnecting websocket session shared by public
// and private exchange feeds.
//
// Each Session runs one loop goroutine that owns the subscription registry,
// drives the state machine and invokes handlers one message at a time in
// arrival order. Other goroutines reach the loop only through Do, Acquire and
// the release functions it returns.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/subscription"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultAuthTimeout  = 10 * time.Second
	defaultMinReconnect = 250 * time.Millisecond
	defaultMaxReconnect = 30 * time.Second
	defaultReadLimit    = 2 * 1024 * 1024
	inboundBufferSize   = 256
)

// Config describes one session.
type Config struct {
	// Exchange labels errors and metrics.
	Exchange string
	// Name identifies the session in logs, e.g. "krakenfutures/public".
	Name string
	// URL is dialled on every connect unless URLFunc is set.
	URL string
	// URLFunc resolves the URL per connect, for credentials embedded in the path.
	URLFunc func(ctx context.Context) (string, error)
	Codec   Codec
	// Auth runs after Open; nil means the session is Ready as soon as it opens.
	Auth Authenticator
	// Handlers maps feed names to data handlers. Unknown feeds are ignored.
	Handlers map[string]Handler

	PingInterval time.Duration
	PingTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	AuthTimeout  time.Duration
	// MinReconnect and MaxReconnect bound the jittered exponential backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// ControlInterval paces outbound subscription frames; zero disables pacing.
	ControlInterval time.Duration
	ReadLimit       int64

	Logger *log.Logger
	// OnError receives non-fatal errors. It must not block.
	OnError func(error)
	// OnState observes transitions on the loop goroutine.
	OnState func(from, to State)
	// OnLatency receives one-way heartbeat latency on the loop goroutine.
	OnLatency func(time.Duration)
}

func (c *Config) withDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.MinReconnect <= 0 {
		c.MinReconnect = defaultMinReconnect
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = defaultMaxReconnect
	}
	if c.MaxReconnect < c.MinReconnect {
		c.MaxReconnect = c.MinReconnect
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.Exchange
	}
}

// Session is a reconnecting websocket connection with a subscription registry.
type Session struct {
	cfg      Config
	registry *subscription.Registry
	inbox    *inbox
	monitor  *Monitor
	metrics  *sessionMetrics
	control  *rate.Limiter

	stateMu  sync.Mutex
	state    atomic.Int32
	disposed atomic.Bool

	lifeMu  sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	// sent counts subscription frames written on the current connection.
	// Loop only.
	sent int
}

// New validates cfg. Missing codec or URL is a configuration error.
func New(cfg Config) (*Session, error) {
	if cfg.Codec == nil {
		return nil, errs.New(cfg.Exchange, errs.CodeConfig, errs.WithMessage("stream codec required"))
	}
	if strings.TrimSpace(cfg.URL) == "" && cfg.URLFunc == nil {
		return nil, errs.New(cfg.Exchange, errs.CodeConfig, errs.WithMessage("stream url required"))
	}
	cfg.withDefaults()

	s := &Session{
		cfg:     cfg,
		inbox:   newInbox(),
		metrics: newSessionMetrics(cfg.Name),
		control: rate.NewLimiter(rate.Inf, 1),
		done:    make(chan struct{}),
	}
	if cfg.ControlInterval > 0 {
		s.control = rate.NewLimiter(rate.Every(cfg.ControlInterval), 1)
	}
	s.registry = subscription.NewRegistry(sessionWire{s: s})
	s.monitor = NewMonitor(cfg.Exchange, cfg.PingInterval, cfg.PingTimeout, func(d time.Duration) {
		s.metrics.recordLatency(d)
		if cfg.OnLatency != nil {
			s.Do(func() { cfg.OnLatency(d) })
		}
	})
	s.state.Store(int32(StateIdle))
	return s, nil
}

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Monitor exposes heartbeat timestamps and latency.
func (s *Session) Monitor() *Monitor { return s.monitor }

// Done is closed once the session loop has exited after Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins the connect loop. It is idempotent and a no-op after Close.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started || s.disposed.Load() {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	var wg conc.WaitGroup
	wg.Go(func() { s.run(s.ctx) })
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Close disposes the session: the state becomes Closed for good, pending
// commands are dropped, the transport is closed and no handler, observer or
// callback runs afterwards. It is idempotent and safe from any goroutine.
func (s *Session) Close() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.stateMu.Lock()
	if s.disposed.Load() {
		s.stateMu.Unlock()
		return
	}
	s.disposed.Store(true)
	s.state.Store(int32(StateClosed))
	s.stateMu.Unlock()

	s.inbox.close()
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.CloseNow()
	}
	s.connMu.Unlock()
	if !s.started {
		close(s.done)
	}
}

// Do runs fn on the session loop. It reports false after Close.
func (s *Session) Do(fn func()) bool {
	return s.inbox.push(func() error {
		fn()
		return nil
	})
}

// Reconnect drops the current connection; the loop reconnects after backoff.
func (s *Session) Reconnect() {
	s.inbox.push(func() error { return ErrReconnect })
}

// Acquire registers interest in topic on the loop and returns the matching
// release function. Release is idempotent.
func (s *Session) Acquire(topic schema.Topic) (release func()) {
	var token subscription.Token
	s.Do(func() {
		tok, err := s.registry.Acquire(topic)
		token = tok
		if err != nil {
			s.report(fmt.Errorf("subscribe %s: %w", topic, err))
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.Do(func() {
				if err := s.registry.Release(token); err != nil {
					s.report(fmt.Errorf("unsubscribe %s: %w", topic, err))
				}
			})
		})
	}
}

func (s *Session) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinReconnect
	bo.MaxInterval = s.cfg.MaxReconnect
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		ready, err := s.connection(ctx)
		s.setState(StateClosed)
		if rerr := s.registry.SetReady(false); rerr != nil {
			s.report(rerr)
		}
		if ctx.Err() != nil {
			return
		}

		result := "dropped"
		if !ready {
			result = "failed"
		}
		s.metrics.recordReconnect(result)
		if err != nil && !errors.Is(err, ErrReconnect) {
			s.report(err)
		}
		if ready {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.MaxReconnect
		}
		s.cfg.Logger.Printf("session %s: reconnecting in %s: %v", s.cfg.Name, wait, err)
		if !s.pause(ctx, wait) {
			return
		}
	}
}

// pause waits for d while still serving the inbox.
func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-s.inbox.ready():
			for _, cmd := range s.inbox.drain() {
				_ = cmd()
			}
		}
	}
}

type inbound struct {
	data []byte
}

// connection runs one transport lifetime and reports whether it reached Ready.
func (s *Session) connection(ctx context.Context) (bool, error) {
	url := s.cfg.URL
	if s.cfg.URLFunc != nil {
		resolved, err := s.cfg.URLFunc(ctx)
		if err != nil {
			return false, fmt.Errorf("resolve url: %w", err)
		}
		url = resolved
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancelDial()
	if err != nil {
		return false, errs.New(s.cfg.Exchange, errs.CodeNetwork, errs.WithMessage("dial "+s.cfg.Name), errs.WithCause(err))
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.connMu.Lock()
	if s.disposed.Load() {
		s.connMu.Unlock()
		_ = conn.CloseNow()
		return false, ctx.Err()
	}
	s.conn = conn
	s.connMu.Unlock()

	connCtx, cancelConn := context.WithCancel(ctx)
	frames := make(chan inbound, inboundBufferSize)
	failures := make(chan error, 2)
	var wg conc.WaitGroup
	defer func() {
		s.setState(StateClosing)
		cancelConn()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}()

	wg.Go(func() {
		if err := s.readLoop(connCtx, conn, frames); err != nil {
			failures <- err
		}
	})

	s.setState(StateOpen)
	s.cfg.Logger.Printf("session %s: connected", s.cfg.Name)

	ready := false
	authed := s.cfg.Auth == nil
	var deadline <-chan time.Time
	becomeReady := func() {
		ready = true
		deadline = nil
		s.setState(StateReady)
		wg.Go(func() {
			if err := s.monitor.Run(connCtx, conn); err != nil {
				failures <- err
			}
		})
	}
	// wire replays the wanted topics. Ready follows the first acknowledgement,
	// or comes at once when nothing had to be sent.
	wire := func() error {
		for _, cmd := range s.inbox.drain() {
			if err := cmd(); errors.Is(err, ErrReconnect) {
				return err
			}
		}
		s.sent = 0
		if err := s.registry.SetReady(true); err != nil {
			s.report(err)
		}
		if s.sent == 0 {
			becomeReady()
		}
		return nil
	}

	if s.cfg.Auth != nil {
		s.setState(StateAuthenticating)
		start, err := s.cfg.Auth.Begin()
		if err != nil {
			return false, err
		}
		if err := s.writeFrames(connCtx, start); err != nil {
			return false, err
		}
		timer := time.NewTimer(s.cfg.AuthTimeout)
		defer timer.Stop()
		deadline = timer.C
	} else if err := wire(); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return ready, ctx.Err()
		case err := <-failures:
			return ready, err
		case <-deadline:
			return ready, errs.New(s.cfg.Exchange, errs.CodeAuth,
				errs.WithMessage("authentication timed out after "+s.cfg.AuthTimeout.String()))
		case <-s.inbox.ready():
			for _, cmd := range s.inbox.drain() {
				if err := cmd(); errors.Is(err, ErrReconnect) {
					return ready, err
				}
			}
		case frame := <-frames:
			msg, err := s.cfg.Codec.Decode(frame.data)
			if err != nil {
				s.metrics.recordDropped("decode")
				s.report(errs.New(s.cfg.Exchange, errs.CodeProtocol,
					errs.WithMessage("drop undecodable frame"), errs.WithCause(err)))
				continue
			}
			if !authed {
				done, err := s.authenticate(msg)
				if err != nil {
					return false, err
				}
				if done {
					authed = true
					s.cfg.Logger.Printf("session %s: challenge signed", s.cfg.Name)
					if err := wire(); err != nil {
						return false, err
					}
				}
				continue
			}
			if !ready {
				switch msg.Kind {
				case KindAck:
					if s.cfg.Auth != nil {
						s.cfg.Logger.Printf("session %s: authenticated", s.cfg.Name)
					}
					becomeReady()
				case KindData:
					becomeReady()
				case KindError:
					if s.cfg.Auth != nil {
						return false, errs.New(s.cfg.Exchange, errs.CodeAuth,
							errs.WithMessage("signed subscribe rejected"), errs.WithRawMessage(msg.Text),
							errs.WithCanonicalCode(errs.CanonicalInvalidSignature))
					}
				}
			}
			if err := s.dispatch(msg); errors.Is(err, ErrReconnect) {
				return ready, err
			}
		}
	}
}

func (s *Session) authenticate(msg Message) (bool, error) {
	done, err := s.cfg.Auth.Accept(msg)
	if err != nil {
		var e *errs.E
		if !errors.As(err, &e) {
			err = errs.New(s.cfg.Exchange, errs.CodeAuth, errs.WithCause(err))
		}
		return false, err
	}
	return done, nil
}

func (s *Session) dispatch(msg Message) error {
	if s.disposed.Load() {
		return nil
	}
	switch msg.Kind {
	case KindData:
		handler, ok := s.cfg.Handlers[msg.Feed]
		if !ok {
			s.metrics.recordDropped("unknown_feed")
			return nil
		}
		s.metrics.recordMessage(msg.Feed)
		err := handler(msg)
		if errors.Is(err, ErrReconnect) {
			return err
		}
		if err != nil {
			s.metrics.recordDropped("handler")
			s.report(fmt.Errorf("handle %s: %w", msg.Feed, err))
		}
	case KindAck:
		s.cfg.Logger.Printf("session %s: ack %s %s", s.cfg.Name, msg.Feed, msg.Text)
	case KindError:
		s.report(errs.New(s.cfg.Exchange, errs.CodeExchange, errs.WithRawMessage(msg.Text),
			errs.WithField("session", s.cfg.Name)))
	case KindChallenge, KindInfo, KindUnknown:
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- inbound) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return errs.New(s.cfg.Exchange, errs.CodeNetwork,
					errs.WithMessage(fmt.Sprintf("remote closed with status %d", status)), errs.WithCause(err))
			}
			return errs.New(s.cfg.Exchange, errs.CodeNetwork, errs.WithMessage("read"), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case frames <- inbound{data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) writeFrames(ctx context.Context, frames [][]byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errs.New(s.cfg.Exchange, errs.CodeNetwork, errs.WithMessage("not connected"))
	}
	for _, frame := range frames {
		if err := s.control.Wait(ctx); err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return errs.New(s.cfg.Exchange, errs.CodeNetwork, errs.WithMessage("write"), errs.WithCause(err))
		}
		s.cfg.Logger.Printf("session %s: sent %s", s.cfg.Name, frame)
	}
	return nil
}

func (s *Session) setState(to State) {
	s.stateMu.Lock()
	if s.disposed.Load() {
		s.stateMu.Unlock()
		return
	}
	from := State(s.state.Swap(int32(to)))
	s.stateMu.Unlock()
	if from == to {
		return
	}
	s.metrics.recordState(to)
	if s.cfg.OnState != nil {
		s.cfg.OnState(from, to)
	}
}

func (s *Session) report(err error) {
	if err == nil || s.disposed.Load() {
		return
	}
	s.cfg.Logger.Printf("session %s: %v", s.cfg.Name, err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// sessionWire adapts the session to subscription.Wire. It is only used on the
// loop goroutine.
type sessionWire struct {
	s *Session
}

func (w sessionWire) Subscribe(topics []schema.Topic) error {
	return w.send(OpSubscribe, topics)
}

func (w sessionWire) Unsubscribe(topics []schema.Topic) error {
	return w.send(OpUnsubscribe, topics)
}

func (w sessionWire) send(op Op, topics []schema.Topic) error {
	frames, err := w.s.cfg.Codec.Encode(op, topics)
	if err != nil {
		return err
	}
	ctx := w.s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.s.writeFrames(ctx, frames); err != nil {
		return err
	}
	w.s.sent += len(frames)
	return nil
}
