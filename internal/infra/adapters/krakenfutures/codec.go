package krakenfutures

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/signing"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

// Wire feed names.
const (
	feedBook              = "book"
	feedBookSnapshot      = "book_snapshot"
	feedTicker            = "ticker"
	feedOpenOrders        = "open_orders"
	feedOpenOrdersSnap    = "open_orders_snapshot"
	feedFills             = "fills"
	feedFillsSnapshot     = "fills_snapshot"
	feedOpenPositions     = "open_positions"
	feedBalances          = "balances"
	feedBalancesSnapshot  = "balances_snapshot"
	eventSubscribed       = "subscribed"
	eventUnsubscribed     = "unsubscribed"
	eventChallenge        = "challenge"
	eventError            = "error"
	eventInfo             = "info"
	eventAlert            = "alert"
	eventSubscribedFailed = "subscribed_failed"
)

var wireFeeds = map[schema.FeedKind]string{
	schema.FeedBook:      feedBook,
	schema.FeedTicker:    feedTicker,
	schema.FeedOrders:    feedOpenOrders,
	schema.FeedFills:     feedFills,
	schema.FeedPositions: feedOpenPositions,
	schema.FeedBalances:  feedBalances,
}

type command struct {
	Event             string   `json:"event"`
	Feed              string   `json:"feed,omitempty"`
	ProductIDs        []string `json:"product_ids,omitempty"`
	APIKey            string   `json:"api_key,omitempty"`
	OriginalChallenge string   `json:"original_challenge,omitempty"`
	SignedChallenge   string   `json:"signed_challenge,omitempty"`
	Message           string   `json:"message,omitempty"`
}

type envelope struct {
	Event     string `json:"event"`
	Feed      string `json:"feed"`
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
}

// codec frames Kraken Futures commands. Topics sharing a feed are batched into
// one command. A non-nil auth signs private commands with the current
// challenge.
type codec struct {
	auth *challengeAuth
}

func (c codec) Encode(op stream.Op, topics []schema.Topic) ([][]byte, error) {
	order := make([]string, 0, len(topics))
	grouped := make(map[string][]string)
	for _, topic := range topics {
		feed, ok := wireFeeds[topic.Feed]
		if !ok {
			return nil, fmt.Errorf("unsupported feed %q", topic.Feed)
		}
		if _, seen := grouped[feed]; !seen {
			order = append(order, feed)
			grouped[feed] = nil
		}
		if topic.ProductID != "" {
			grouped[feed] = append(grouped[feed], topic.ProductID)
		}
	}
	frames := make([][]byte, 0, len(order))
	for _, feed := range order {
		cmd := command{Event: string(op), Feed: feed, ProductIDs: grouped[feed]}
		if c.auth != nil {
			original, signed, ok := c.auth.credentials()
			if !ok {
				return nil, fmt.Errorf("private %s before challenge", op)
			}
			cmd.APIKey = c.auth.signer.APIKey()
			cmd.OriginalChallenge = original
			cmd.SignedChallenge = signed
		}
		frame, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (c codec) Decode(data []byte) (stream.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return stream.Message{}, err
	}
	msg := stream.Message{Feed: env.Feed, ProductID: env.ProductID, Text: env.Message, Raw: data}
	switch env.Event {
	case "":
		if env.Feed == "" {
			msg.Kind = stream.KindUnknown
		} else {
			msg.Kind = stream.KindData
		}
	case eventSubscribed, eventUnsubscribed:
		msg.Kind = stream.KindAck
		msg.Text = env.Event
	case eventChallenge:
		msg.Kind = stream.KindChallenge
	case eventError, eventSubscribedFailed:
		msg.Kind = stream.KindError
		if msg.Text == "" {
			msg.Text = env.Event
		}
	case eventInfo, eventAlert:
		msg.Kind = stream.KindInfo
	default:
		msg.Kind = stream.KindUnknown
	}
	return msg, nil
}

// challengeAuth requests a challenge on every connect and keeps the signed
// answer for private subscribe commands. It is used on the session loop only.
type challengeAuth struct {
	exchange string
	signer   *signing.KrakenFutures
	original string
	signed   string
}

func (a *challengeAuth) Begin() ([][]byte, error) {
	a.original, a.signed = "", ""
	frame, err := json.Marshal(command{Event: eventChallenge, APIKey: a.signer.APIKey()})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *challengeAuth) Accept(msg stream.Message) (bool, error) {
	switch msg.Kind {
	case stream.KindChallenge:
		if msg.Text == "" {
			return false, errs.New(a.exchange, errs.CodeAuth, errs.WithMessage("empty challenge"))
		}
		a.original = msg.Text
		a.signed = a.signer.SignChallenge(msg.Text)
		return true, nil
	case stream.KindError:
		return false, errs.New(a.exchange, errs.CodeAuth,
			errs.WithMessage("challenge rejected"), errs.WithRawMessage(msg.Text),
			errs.WithCanonicalCode(errs.CanonicalInvalidSignature))
	default:
		return false, nil
	}
}

func (a *challengeAuth) credentials() (string, string, bool) {
	return a.original, a.signed, a.original != ""
}
