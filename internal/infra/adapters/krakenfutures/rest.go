package krakenfutures

import (
	"context"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/infra/rest"
)

const resultSuccess = "success"

type envelopeResult struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

type instrumentsResponse struct {
	Instruments []instrument `json:"instruments"`
}

type tickersResponse struct {
	Tickers []restTicker `json:"tickers"`
}

type sendOrderResponse struct {
	SendStatus struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		ReceivedTime string `json:"receivedTime"`
	} `json:"sendStatus"`
}

type cancelOrderResponse struct {
	CancelStatus struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"cancelStatus"`
}

type openPositionsResponse struct {
	OpenPositions []restPosition `json:"openPositions"`
}

type accountsResponse struct {
	Accounts map[string]json.RawMessage `json:"accounts"`
}

// decodeError maps non-2xx statuses and "result":"error" bodies to errors,
// keeping the exchange error string verbatim.
func decodeError(exchange string) rest.ErrorDecoder {
	status := rest.StatusDecoder(exchange)
	return func(code int, body []byte) error {
		var env envelopeResult
		if err := json.Unmarshal(body, &env); err != nil || env.Result == "" {
			return status(code, body)
		}
		if env.Result == resultSuccess && code < http.StatusMultipleChoices {
			return nil
		}
		errCode, canonical := classify(env.Error)
		if errCode == errs.CodeExchange && code >= http.StatusBadRequest {
			errCode = rest.StatusCode(code)
		}
		return errs.New(exchange, errCode,
			errs.WithHTTP(code),
			errs.WithRawCode(env.Error),
			errs.WithRawMessage(string(body)),
			errs.WithCanonicalCode(canonical))
	}
}

func classify(raw string) (errs.Code, errs.CanonicalCode) {
	switch raw {
	case "apiLimitExceeded":
		return errs.CodeRateLimited, errs.CanonicalRateLimited
	case "authenticationError", "invalidSignature", "nonceBelowThreshold", "nonceDuplicate":
		return errs.CodeAuth, errs.CanonicalInvalidSignature
	case "insufficientAvailableFunds", "insufficientFunds":
		return errs.CodeExchange, errs.CanonicalInsufficientBalance
	case "invalidArgument", "requiredArgumentMissing", "marketSuspended", "marketInexistent":
		return errs.CodeInvalid, errs.CanonicalUnknown
	case "notFound":
		return errs.CodeNotFound, errs.CanonicalOrderNotFound
	default:
		return errs.CodeExchange, errs.CanonicalUnknown
	}
}

func (a *Adapter) getPublic(ctx context.Context, op, path string, out any) error {
	return a.rest.Do(ctx, rest.Request{Operation: op, Method: http.MethodGet, Path: path, Auth: rest.AuthNone}, out)
}

func (a *Adapter) getPrivate(ctx context.Context, op, path string, out any) error {
	return a.rest.Do(ctx, rest.Request{Operation: op, Method: http.MethodGet, Path: path, Auth: rest.AuthSigned}, out)
}

func (a *Adapter) postPrivate(ctx context.Context, op, path string, form url.Values, out any) error {
	return a.rest.Do(ctx, rest.Request{Operation: op, Method: http.MethodPost, Path: path, Form: form, Auth: rest.AuthSigned}, out)
}
