package binancefutures

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/infra/rest"
)

// decodeError maps non-2xx responses carrying {"code","msg"} to errors with
// the exchange code and message preserved.
func decodeError(exchange string) rest.ErrorDecoder {
	status := rest.StatusDecoder(exchange)
	return func(code int, body []byte) error {
		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}
		var payload wireError
		if err := json.Unmarshal(body, &payload); err != nil || payload.Code == 0 {
			return status(code, body)
		}
		errCode, canonical := classify(payload.Code)
		if errCode == "" {
			errCode = rest.StatusCode(code)
		}
		return errs.New(exchange, errCode,
			errs.WithHTTP(code),
			errs.WithRawCode(strconv.Itoa(payload.Code)),
			errs.WithRawMessage(payload.Msg),
			errs.WithCanonicalCode(canonical))
	}
}

// classify maps Binance error codes. An empty code defers to the HTTP status.
func classify(code int) (errs.Code, errs.CanonicalCode) {
	switch code {
	case -1003, -1015:
		return errs.CodeRateLimited, errs.CanonicalRateLimited
	case -1021, -1022, -2014, -2015:
		return errs.CodeAuth, errs.CanonicalInvalidSignature
	case -2018, -2019:
		return errs.CodeExchange, errs.CanonicalInsufficientBalance
	case -1121:
		return errs.CodeInvalid, errs.CanonicalInvalidSymbol
	case -2011, -2013:
		return errs.CodeNotFound, errs.CanonicalOrderNotFound
	default:
		return "", errs.CanonicalUnknown
	}
}

func (a *Adapter) call(ctx context.Context, op, method, path string, auth rest.Auth, query url.Values, out any) error {
	return a.rest.Do(ctx, rest.Request{Operation: op, Method: method, Path: path, Query: query, Auth: auth}, out)
}

// createListenKey opens a user data stream and returns its key.
func (a *Adapter) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := a.call(ctx, "create_listen_key", http.MethodPost, listenKeyPath, rest.AuthKey, nil, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errs.New(a.cfg.Name, errs.CodeProtocol, errs.WithMessage("empty listen key"))
	}
	return resp.ListenKey, nil
}

func (a *Adapter) renewListenKey(ctx context.Context) error {
	return a.call(ctx, "renew_listen_key", http.MethodPut, listenKeyPath, rest.AuthKey, nil, nil)
}
