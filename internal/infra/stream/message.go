package stream

import (
	"errors"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

// Kind classifies a decoded wire message.
type Kind int

const (
	// KindUnknown is any message the codec does not recognise. It is ignored.
	KindUnknown Kind = iota
	// KindData carries a feed payload dispatched by Feed.
	KindData
	// KindAck acknowledges a subscribe or unsubscribe command.
	KindAck
	// KindChallenge carries an authentication challenge in Text.
	KindChallenge
	// KindError is an exchange-reported error with the message in Text.
	KindError
	// KindInfo covers heartbeats, version banners and alerts.
	KindInfo
)

// Message is the tagged result of decoding one frame.
type Message struct {
	Kind      Kind
	Feed      string
	ProductID string
	Text      string
	Raw       []byte
}

// Op is a subscription command verb.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Codec translates between topics and exchange frames.
type Codec interface {
	// Encode renders the command frames for topics.
	Encode(op Op, topics []schema.Topic) ([][]byte, error)
	// Decode classifies one inbound frame. An error drops the frame.
	Decode(data []byte) (Message, error)
}

// Authenticator drives a private handshake after the transport opens.
type Authenticator interface {
	// Begin returns the frames that start the handshake.
	Begin() ([][]byte, error)
	// Accept consumes messages until it reports done or fails.
	Accept(msg Message) (done bool, err error)
}

// Handler consumes one data message on the session loop. Returning an error
// drops the message; returning ErrReconnect tears the connection down.
type Handler func(Message) error

// ErrReconnect asks the session to drop the current connection and reconnect.
var ErrReconnect = errors.New("stream: reconnect requested")
