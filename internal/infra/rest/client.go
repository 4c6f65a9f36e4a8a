// Package rest implements the rate-limited, optionally signed HTTP client used
// by every adapter for REST calls.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/infra/signing"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 4 << 20
)

// Auth selects how a request is authenticated.
type Auth int

const (
	// AuthNone sends the request as-is.
	AuthNone Auth = iota
	// AuthKey attaches only the API key header.
	AuthKey
	// AuthSigned attaches a nonce and signature.
	AuthSigned
)

// Request is a logical REST call.
type Request struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Form      url.Values
	Auth      Auth
	// Timeout overrides the client default for this call.
	Timeout time.Duration
}

type timeoutKey struct{}

// WithTimeout returns a context that overrides the client timeout for calls
// made with it. Request.Timeout still takes precedence.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

// TimeoutFrom returns the override stored by WithTimeout.
func TimeoutFrom(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(timeoutKey{}).(time.Duration)
	return d, ok && d > 0
}

// ErrorDecoder inspects a response and returns a non-nil error for exchange
// error payloads, including success-flag-false bodies sent with HTTP 200.
type ErrorDecoder func(status int, body []byte) error

// Config configures a Client.
type Config struct {
	Exchange          string
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	// PublicPrefixes lists path prefixes that are never authenticated.
	PublicPrefixes []string
	UserAgent      string
}

// Client applies a token bucket, a per-call timeout and authentication to
// outbound requests. It never retries.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	signer  signing.Signer
	decode  ErrorDecoder
	metrics *clientMetrics
}

// NewClient builds a client. signer may be nil for public-only use; decode
// defaults to StatusDecoder.
func NewClient(cfg Config, signer signing.Signer, decode ErrorDecoder, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if decode == nil {
		decode = StatusDecoder(cfg.Exchange)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		signer:  signer,
		decode:  decode,
		metrics: newClientMetrics(cfg.Exchange),
	}
}

// Authenticated reports whether the client carries credentials.
func (c *Client) Authenticated() bool {
	return c.signer != nil
}

// Do waits for a limiter token, sends the request and decodes a successful
// body into out (which may be nil). Queue time does not count against the
// request timeout; only the caller's ctx can abandon a queued request.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	start := time.Now()
	err := c.do(ctx, req, out)
	c.metrics.record(ctx, req.Operation, time.Since(start), err)
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeNetwork,
			errs.WithMessage("request abandoned while queued"), errs.WithCause(err),
			errs.WithField("path", req.Path))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		if d, ok := TimeoutFrom(ctx); ok {
			timeout = d
		} else {
			timeout = c.cfg.Timeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	signed, err := c.authenticate(req)
	if err != nil {
		return err
	}

	target := c.cfg.BaseURL + req.Path
	if signed.RawQuery != "" {
		target += "?" + signed.RawQuery
	}
	var body io.Reader
	if signed.Body != "" {
		body = strings.NewReader(signed.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	for key, values := range signed.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeNetwork,
			errs.WithMessage(method+" "+req.Path), errs.WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeNetwork,
			errs.WithMessage("read response body"), errs.WithHTTP(resp.StatusCode), errs.WithCause(err))
	}
	if err := c.decode(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeProtocol,
			errs.WithMessage("decode "+req.Path+" response"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) authenticate(req Request) (signing.Signed, error) {
	payload := signing.Payload{Method: req.Method, Path: req.Path, Query: req.Query, Form: req.Form}
	if req.Auth == AuthNone || c.isPublic(req.Path) {
		return signing.Signed{
			Header:   make(http.Header),
			RawQuery: req.Query.Encode(),
			Body:     req.Form.Encode(),
		}, nil
	}
	if c.signer == nil {
		return signing.Signed{}, errs.New(c.cfg.Exchange, errs.CodeConfig,
			errs.WithMessage("credentials required for "+req.Path))
	}
	if req.Auth == AuthKey {
		return c.signer.Identify(payload), nil
	}
	return c.signer.Sign(payload), nil
}

func (c *Client) isPublic(path string) bool {
	for _, prefix := range c.cfg.PublicPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// StatusDecoder returns a decoder that only inspects the HTTP status.
func StatusDecoder(exchange string) ErrorDecoder {
	return func(status int, body []byte) error {
		if status >= 200 && status < 300 {
			return nil
		}
		return errs.New(exchange, StatusCode(status),
			errs.WithHTTP(status), errs.WithRawMessage(string(body)),
			errs.WithMessage(fmt.Sprintf("http %d", status)))
	}
}

// StatusCode maps an HTTP status to an error code.
func StatusCode(status int) errs.Code {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.CodeAuth
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	case status >= 500:
		return errs.CodeUnavailable
	case status >= 400:
		return errs.CodeInvalid
	default:
		return errs.CodeExchange
	}
}
