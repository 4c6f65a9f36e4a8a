package binancefutures

import (
	"context"
	"strings"

	"github.com/coachpo/derivgate/internal/app/exchange"
	"github.com/coachpo/derivgate/internal/infra/adapters/shared"
)

// RegisterFactory installs the Binance USD-M factory into the registry.
func RegisterFactory(reg *exchange.Registry) {
	reg.Register(Identifier, func(_ context.Context, deps exchange.Deps, cfg map[string]any) (exchange.Exchange, error) {
		return New(ConfigFromSettings(cfg), deps)
	})
}

// ConfigFromSettings reads adapter settings from a configuration map. Keys in
// a nested "config" map take precedence over top-level ones.
func ConfigFromSettings(cfg map[string]any) Config {
	var out Config
	if name, ok := shared.StringSetting(cfg, "name"); ok {
		out.Name = name
	}
	settings := cfg
	if nested, ok := shared.MapSetting(cfg, "config"); ok {
		settings = nested
	}
	for _, source := range []map[string]any{cfg, settings} {
		if v, ok := shared.StringSetting(source, "api_key"); ok {
			out.APIKey = v
		}
		if v, ok := shared.StringSetting(source, "api_secret"); ok {
			out.APISecret = v
		}
	}
	if v, ok := shared.StringSetting(settings, "base_url"); ok {
		out.BaseURL = v
	}
	if v, ok := shared.StringSetting(settings, "ws_url"); ok {
		out.WSURL = v
	}
	if v, ok := shared.FloatSetting(settings, "requests_per_second"); ok {
		out.RequestsPerSecond = v
	}
	if v, ok := shared.DurationSetting(settings, "http_timeout"); ok {
		out.HTTPTimeout = v
	}
	if v, ok := shared.DurationSetting(settings, "ping_interval"); ok {
		out.PingInterval = v
	}
	if v, ok := shared.DurationSetting(settings, "ping_timeout"); ok {
		out.PingTimeout = v
	}
	if v, ok := shared.DurationSetting(settings, "control_interval"); ok {
		out.ControlInterval = v
	}
	if v, ok := shared.DurationSetting(settings, "min_reconnect"); ok {
		out.MinReconnect = v
	}
	if v, ok := shared.DurationSetting(settings, "max_reconnect"); ok {
		out.MaxReconnect = v
	}
	if v, ok := shared.DurationSetting(settings, "resolve_retry"); ok {
		out.ResolveRetry = v
	}
	if v, ok := shared.DurationSetting(settings, "recv_window"); ok {
		out.RecvWindow = v
	}
	if v, ok := shared.DurationSetting(settings, "listen_key_keepalive"); ok {
		out.KeepAlive = v
	}
	if v, ok := shared.IntSetting(settings, "book_depth"); ok {
		out.BookDepth = v
	}
	if v, ok := shared.StringSetting(settings, "settle_asset"); ok {
		out.SettleAsset = strings.ToUpper(v)
	}
	return out
}
