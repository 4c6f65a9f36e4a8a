package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/derivgate/errs"
)

// Payload is the canonical description of a request to authenticate.
type Payload struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
}

// Signed carries the per-call authentication artifacts. It is never reused.
type Signed struct {
	Nonce     int64
	Signature string
	Header    http.Header
	RawQuery  string
	Body      string
}

// Signer authenticates requests for one API key.
type Signer interface {
	// Sign attaches a fresh nonce and signature.
	Sign(p Payload) Signed
	// Identify attaches only the API key, for endpoints that need no signature.
	Identify(p Payload) Signed
}

func unsigned(p Payload) Signed {
	return Signed{
		Nonce:     0,
		Signature: "",
		Header:    make(http.Header),
		RawQuery:  p.Query.Encode(),
		Body:      p.Form.Encode(),
	}
}

// KrakenFutures signs requests as
// base64(HMAC-SHA512(base64decode(secret), SHA256(postData + nonce + endpointPath))).
type KrakenFutures struct {
	key    string
	secret []byte
	nonces *NonceSource
}

// NewKrakenFutures validates the credentials. A missing key or a secret that is
// not valid base64 fails with a configuration error.
func NewKrakenFutures(exchange, key, secret string) (*KrakenFutures, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errs.New(exchange, errs.CodeConfig, errs.WithMessage("api key required"))
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil || len(decoded) == 0 {
		return nil, errs.New(exchange, errs.CodeConfig,
			errs.WithMessage("api secret must be base64 encoded"), errs.WithCause(err))
	}
	return &KrakenFutures{key: key, secret: decoded, nonces: NewNonceSource(time.Microsecond)}, nil
}

// APIKey returns the public key.
func (k *KrakenFutures) APIKey() string { return k.key }

// Sign implements Signer. The endpoint path excludes the "/derivatives" prefix.
func (k *KrakenFutures) Sign(p Payload) Signed {
	out := unsigned(p)
	out.Nonce = k.nonces.Next()
	nonce := strconv.FormatInt(out.Nonce, 10)
	endpoint := strings.TrimPrefix(p.Path, "/derivatives")

	out.Signature = k.digest(out.RawQuery + out.Body + nonce + endpoint)
	out.Header.Set("APIKey", k.key)
	out.Header.Set("Nonce", nonce)
	out.Header.Set("Authent", out.Signature)
	return out
}

// Identify implements Signer.
func (k *KrakenFutures) Identify(p Payload) Signed {
	out := unsigned(p)
	out.Header.Set("APIKey", k.key)
	return out
}

// SignChallenge signs a private feed challenge string.
func (k *KrakenFutures) SignChallenge(challenge string) string {
	return k.digest(challenge)
}

func (k *KrakenFutures) digest(message string) string {
	sum := sha256.Sum256([]byte(message))
	mac := hmac.New(sha512.New, k.secret)
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Binance signs the encoded query plus body with hex HMAC-SHA256. The nonce is
// the millisecond timestamp parameter.
type Binance struct {
	key        string
	secret     []byte
	recvWindow time.Duration
	nonces     *NonceSource
}

// NewBinance validates the credentials.
func NewBinance(exchange, key, secret string, recvWindow time.Duration) (*Binance, error) {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	if key == "" || secret == "" {
		return nil, errs.New(exchange, errs.CodeConfig, errs.WithMessage("api key and secret required"))
	}
	return &Binance{
		key:        key,
		secret:     []byte(secret),
		recvWindow: recvWindow,
		nonces:     NewNonceSource(time.Millisecond),
	}, nil
}

// Sign implements Signer.
func (b *Binance) Sign(p Payload) Signed {
	query := url.Values{}
	for k, v := range p.Query {
		query[k] = append([]string(nil), v...)
	}
	out := unsigned(p)
	out.Nonce = b.nonces.Next()
	query.Set("timestamp", strconv.FormatInt(out.Nonce, 10))
	if b.recvWindow > 0 {
		query.Set("recvWindow", strconv.FormatInt(b.recvWindow.Milliseconds(), 10))
	}
	encoded := query.Encode()
	out.Signature = hmacHex(b.secret, encoded+out.Body)
	out.RawQuery = encoded + "&signature=" + out.Signature
	out.Header.Set("X-MBX-APIKEY", b.key)
	return out
}

// Identify implements Signer.
func (b *Binance) Identify(p Payload) Signed {
	out := unsigned(p)
	out.Header.Set("X-MBX-APIKEY", b.key)
	return out
}

func hmacHex(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
