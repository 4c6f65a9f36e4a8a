// Package binancefutures implements the Binance USD-M futures adapter.
package binancefutures

import (
	"log"
	"strings"
	"time"
)

// Identifier is the exchange type used in configuration.
const Identifier = "binancefutures"

const (
	defaultBaseURL        = "https://fapi.binance.com"
	defaultWSURL          = "wss://fstream.binance.com/ws"
	defaultRequestsPerSec = 10.0
	defaultHTTPTimeout    = 5 * time.Second
	defaultRecvWindow     = 5 * time.Second
	defaultKeepAlive      = 30 * time.Minute
	defaultPingInterval   = 10 * time.Second
	defaultControlPacing  = 250 * time.Millisecond
	defaultResolveRetry   = 500 * time.Millisecond
	defaultBookDepth      = 20

	exchangeInfoPath = "/fapi/v1/exchangeInfo"
	orderPath        = "/fapi/v1/order"
	listenKeyPath    = "/fapi/v1/listenKey"
	positionRiskPath = "/fapi/v2/positionRisk"
	balancePath      = "/fapi/v2/balance"
)

// Config captures user-overridable Binance settings.
type Config struct {
	Name              string
	APIKey            string
	APISecret         string
	BaseURL           string
	WSURL             string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	RecvWindow        time.Duration
	// KeepAlive is the listen-key renewal period.
	KeepAlive       time.Duration
	BookDepth       int
	PingInterval    time.Duration
	PingTimeout     time.Duration
	ControlInterval time.Duration
	MinReconnect    time.Duration
	MaxReconnect    time.Duration
	ResolveRetry    time.Duration
	// SettleAsset selects the balance reported by FetchBalance.
	SettleAsset string
	Logger      *log.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = Identifier
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	c.WSURL = strings.TrimRight(c.WSURL, "/")
	if c.WSURL == "" {
		c.WSURL = defaultWSURL
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSec
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	switch c.BookDepth {
	case 5, 10, 20:
	default:
		c.BookDepth = defaultBookDepth
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = defaultControlPacing
	}
	if c.ResolveRetry <= 0 {
		c.ResolveRetry = defaultResolveRetry
	}
	if strings.TrimSpace(c.SettleAsset) == "" {
		c.SettleAsset = "USDT"
	}
	return c
}

func (c Config) hasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.APISecret) != ""
}
