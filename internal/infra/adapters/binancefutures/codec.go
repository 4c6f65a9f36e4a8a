package binancefutures

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

// Event types carried in the "e" field.
const (
	eventDepthUpdate      = "depthUpdate"
	eventTicker           = "24hrTicker"
	eventBookTicker       = "bookTicker"
	eventMarkPrice        = "markPriceUpdate"
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	eventAccountUpdate    = "ACCOUNT_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type wireError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type envelope struct {
	Event  string          `json:"e"`
	Symbol string          `json:"s"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
}

// codec frames SUBSCRIBE/UNSUBSCRIBE requests on the combined market stream.
// Request ids increase per codec; it is used on one session loop.
type codec struct {
	depth int
	next  int64
}

func (c *codec) streams(topic schema.Topic) ([]string, error) {
	symbol := strings.ToLower(topic.ProductID)
	if symbol == "" {
		return nil, fmt.Errorf("feed %q needs a product id", topic.Feed)
	}
	switch topic.Feed {
	case schema.FeedBook:
		return []string{symbol + "@depth" + strconv.Itoa(c.depth) + "@100ms"}, nil
	case schema.FeedTicker:
		return []string{symbol + "@ticker", symbol + "@bookTicker", symbol + "@markPrice"}, nil
	default:
		return nil, fmt.Errorf("unsupported feed %q", topic.Feed)
	}
}

func (c *codec) Encode(op stream.Op, topics []schema.Topic) ([][]byte, error) {
	method := "SUBSCRIBE"
	if op == stream.OpUnsubscribe {
		method = "UNSUBSCRIBE"
	}
	params := make([]string, 0, len(topics))
	for _, topic := range topics {
		names, err := c.streams(topic)
		if err != nil {
			return nil, err
		}
		params = append(params, names...)
	}
	if len(params) == 0 {
		return nil, nil
	}
	c.next++
	frame, err := json.Marshal(request{Method: method, Params: params, ID: c.next})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (c *codec) Decode(data []byte) (stream.Message, error) {
	return decode(data)
}

func decode(data []byte) (stream.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return stream.Message{}, err
	}
	msg := stream.Message{Raw: data}
	switch {
	case env.Event != "":
		msg.Kind = stream.KindData
		msg.Feed = env.Event
		msg.ProductID = env.Symbol
	case env.Error != nil:
		msg.Kind = stream.KindError
		msg.Text = fmt.Sprintf("%d: %s", env.Error.Code, env.Error.Msg)
	case env.ID != nil && env.Code != 0:
		msg.Kind = stream.KindError
		msg.Text = fmt.Sprintf("%d: %s", env.Code, env.Msg)
	case env.ID != nil:
		msg.Kind = stream.KindAck
		msg.Text = "id=" + strconv.FormatInt(*env.ID, 10)
	default:
		msg.Kind = stream.KindUnknown
	}
	return msg, nil
}

// userCodec decodes the user data stream, which takes no subscriptions.
type userCodec struct{}

func (userCodec) Encode(stream.Op, []schema.Topic) ([][]byte, error) { return nil, nil }

func (userCodec) Decode(data []byte) (stream.Message, error) { return decode(data) }
