// Package krakenfutures implements the Kraken Futures derivatives adapter.
package krakenfutures

import (
	"log"
	"strings"
	"time"
)

// Identifier is the exchange type used in configuration.
const Identifier = "krakenfutures"

const (
	defaultBaseURL        = "https://futures.kraken.com"
	defaultWSURL          = "wss://futures.kraken.com/ws/v1"
	defaultRequestsPerSec = 5.0
	defaultHTTPTimeout    = 5 * time.Second
	defaultPingInterval   = 10 * time.Second
	defaultControlPacing  = 100 * time.Millisecond
	defaultResolveRetry   = 500 * time.Millisecond

	instrumentsPath   = "/derivatives/api/v3/instruments"
	tickersPath       = "/derivatives/api/v3/tickers"
	sendOrderPath     = "/derivatives/api/v3/sendorder"
	cancelOrderPath   = "/derivatives/api/v3/cancelorder"
	openPositionsPath = "/derivatives/api/v3/openpositions"
	accountsPath      = "/derivatives/api/v3/accounts"
)

// Config captures user-overridable Kraken Futures settings.
type Config struct {
	Name              string
	APIKey            string
	APISecret         string
	BaseURL           string
	WSURL             string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ControlInterval   time.Duration
	MinReconnect      time.Duration
	MaxReconnect      time.Duration
	ResolveRetry      time.Duration
	Logger            *log.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = Identifier
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.WSURL) == "" {
		c.WSURL = defaultWSURL
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSec
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
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
	return c
}

func (c Config) hasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" || strings.TrimSpace(c.APISecret) != ""
}
