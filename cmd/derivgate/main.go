// Command derivgate connects to the configured derivatives exchanges and
// prints top-of-book updates until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/derivgate/internal/app/emitter"
	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/app/store"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/adapters/binancefutures"
	"github.com/coachpo/derivgate/internal/infra/adapters/krakenfutures"
	"github.com/coachpo/derivgate/internal/infra/config"
	"github.com/coachpo/derivgate/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "derivgate "
	emitterBuffer            = 256
	bookPrintInterval        = time.Second
	shutdownTimeout          = 15 * time.Second
	exchangeShutdownTimeout  = 10 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	symbols    string
}

type venue struct {
	cfg      config.ExchangeConfig
	exchange exchange.Exchange
	events   *emitter.Channel
	stops    []func()
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if len(appCfg.Exchanges) == 0 {
		logger.Fatalf("no exchanges configured")
	}
	logger.Printf("configuration initialised: env=%s, exchanges=%d", appCfg.Environment, len(appCfg.Exchanges))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry := exchange.NewRegistry()
	krakenfutures.RegisterFactory(registry)
	binancefutures.RegisterFactory(registry)

	override := splitSymbols(opts.symbols)
	var lifecycle conc.WaitGroup
	venues := make([]*venue, 0, len(appCfg.Exchanges))
	for _, exCfg := range appCfg.Exchanges {
		v, err := startVenue(ctx, logger, registry, exCfg, override)
		if err != nil {
			logger.Fatalf("start %s: %v", exCfg.Name, err)
		}
		venues = append(venues, v)
		lifecycle.Go(func() { drainEvents(ctx, logger, v.events) })
	}

	logger.Print("derivgate started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, venues, &lifecycle, telemetryProvider)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	symbols := flag.String("symbols", "", "Comma separated symbols overriding the configured ones")
	flag.Parse()
	return flags{configPath: *cfgPath, symbols: *symbols}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func startVenue(ctx context.Context, logger *log.Logger, registry *exchange.Registry, cfg config.ExchangeConfig, override []string) (*venue, error) {
	events := emitter.NewChannel(cfg.Name, emitterBuffer)
	deps := exchange.Deps{
		Store:   store.NewMemory(),
		Emitter: events,
		Logger:  log.New(os.Stdout, fmt.Sprintf("%s[%s] ", loggerPrefix, cfg.Name), log.LstdFlags|log.Lmicroseconds),
	}
	ex, err := registry.Create(ctx, cfg.Name, cfg.Exchange, deps, cfg.Settings())
	if err != nil {
		return nil, err
	}
	ex.ConnectAndSubscribe(ctx)

	symbols := cfg.Symbols
	if len(override) > 0 {
		symbols = override
	}
	v := &venue{cfg: cfg, exchange: ex, events: events}
	for _, symbol := range symbols {
		v.stops = append(v.stops, ex.ListenOrderBook(symbol, bookPrinter(logger, cfg.Name, symbol)))
	}
	logger.Printf("exchange started: name=%s, type=%s, symbols=%s", cfg.Name, cfg.Exchange, strings.Join(symbols, ","))
	return v, nil
}

func bookPrinter(logger *log.Logger, name, symbol string) schema.BookCallback {
	var last time.Time
	return func(book schema.OrderBook) {
		now := time.Now()
		if now.Sub(last) < bookPrintInterval {
			return
		}
		last = now
		bid, hasBid := book.BestBid()
		ask, hasAsk := book.BestAsk()
		if !hasBid || !hasAsk {
			logger.Printf("book %s %s: one-sided depth=%d/%d", name, symbol, len(book.Bids), len(book.Asks))
			return
		}
		lag := time.Duration(0)
		if !book.UpdatedAt.IsZero() {
			lag = now.Sub(book.UpdatedAt)
		}
		logger.Printf("book %s %s: bid=%s x %s ask=%s x %s depth=%d/%d seq=%d lag=%v",
			name, symbol, bid.Price, bid.Amount, ask.Price, ask.Amount,
			len(book.Bids), len(book.Asks), book.Sequence, lag.Round(time.Millisecond))
	}
}

func drainEvents(ctx context.Context, logger *log.Logger, events *emitter.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events.Events():
			switch ev.Name {
			case exchange.EventError:
				logger.Printf("event %s: error: %v", ev.Exchange, ev.Payload)
			default:
				logger.Printf("event %s: %s %+v", ev.Exchange, ev.Name, ev.Payload)
			}
		}
	}
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, venues []*venue, lifecycle *conc.WaitGroup, provider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout: %w", stepCtx.Err())
		}
	}

	for _, v := range venues {
		shutdownStep("disposing "+v.cfg.Name, exchangeShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() {
				for _, stop := range v.stops {
					stop()
				}
				v.exchange.Dispose()
			})
		})
		if dropped := v.events.Dropped(); dropped > 0 {
			logger.Printf("shutdown: %s dropped %d events", v.cfg.Name, dropped)
		}
	}

	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		return waitFor(stepCtx, lifecycle.Wait)
	})

	if provider != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func splitSymbols(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
