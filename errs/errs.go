// Package errs provides the structured error envelope shared by the derivgate adapters.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure class of an error.
type Code string

const (
	// CodeNetwork indicates a transport failure (dial, read, write, abrupt close).
	CodeNetwork Code = "network"
	// CodeProtocol indicates a malformed or unexpected wire message.
	CodeProtocol Code = "protocol"
	// CodeAuth indicates rejected credentials or a failed handshake.
	CodeAuth Code = "auth"
	// CodeConfig indicates invalid local configuration such as an undecodable secret.
	CodeConfig Code = "config"
	// CodeRateLimited indicates that the exchange throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side rejection or failure.
	CodeExchange Code = "exchange_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the exchange is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures exchange-agnostic rejection reasons.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
	CanonicalInvalidSignature    CanonicalCode = "invalid_signature"
)

// E is the error envelope returned by signers, REST clients and streaming sessions.
// RawCode and RawMsg carry the exchange payload verbatim.
type E struct {
	Exchange  string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		HTTP:      0,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		Canonical: CanonicalUnknown,
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message without trimming.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the exchange-agnostic rejection reason.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single key/value pair of request context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in err's chain, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
