package krakenfutures

import (
	"encoding/base64"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/domain/schema"
	"github.com/coachpo/derivgate/internal/infra/signing"
	"github.com/coachpo/derivgate/internal/infra/stream"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("kraken-futures-test-secret"))

func TestEncodeGroupsProductsByFeed(t *testing.T) {
	frames, err := codec{}.Encode(stream.OpSubscribe, []schema.Topic{
		{Feed: schema.FeedBook, ProductID: "PF_XBTUSD"},
		{Feed: schema.FeedTicker, ProductID: "PF_XBTUSD"},
		{Feed: schema.FeedBook, ProductID: "PF_ETHUSD"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.JSONEq(t, `{"event":"subscribe","feed":"book","product_ids":["PF_XBTUSD","PF_ETHUSD"]}`, string(frames[0]))
	require.JSONEq(t, `{"event":"subscribe","feed":"ticker","product_ids":["PF_XBTUSD"]}`, string(frames[1]))

	_, err = codec{}.Encode(stream.OpSubscribe, []schema.Topic{{Feed: "candles"}})
	require.Error(t, err)
}

func TestWireFeedsMatchAcquiredFeeds(t *testing.T) {
	acquired := append([]schema.FeedKind{schema.FeedBook, schema.FeedTicker}, privateFeeds...)
	require.Len(t, wireFeeds, len(acquired))
	for _, feed := range acquired {
		_, ok := wireFeeds[feed]
		require.True(t, ok, feed)
	}
}

func TestDecodeClassifiesFrames(t *testing.T) {
	cases := []struct {
		raw  string
		kind stream.Kind
		feed string
		text string
	}{
		{`{"event":"info","version":1}`, stream.KindInfo, "", ""},
		{`{"event":"subscribed","feed":"book","product_ids":["PF_XBTUSD"]}`, stream.KindAck, "book", "subscribed"},
		{`{"event":"challenge","message":"c-123"}`, stream.KindChallenge, "", "c-123"},
		{`{"event":"error","message":"Invalid product id"}`, stream.KindError, "", "Invalid product id"},
		{`{"feed":"book","product_id":"PF_XBTUSD","side":"buy","price":1,"qty":2}`, stream.KindData, "book", ""},
		{`{"something":"else"}`, stream.KindUnknown, "", ""},
	}
	for _, tc := range cases {
		msg, err := codec{}.Decode([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.kind, msg.Kind, tc.raw)
		require.Equal(t, tc.feed, msg.Feed, tc.raw)
		require.Equal(t, tc.text, msg.Text, tc.raw)
	}

	_, err := codec{}.Decode([]byte(`{not json`))
	require.Error(t, err)
}

func TestChallengeHandshakeSignsPrivateSubscribe(t *testing.T) {
	signer, err := signing.NewKrakenFutures(Identifier, "key-1", testSecret)
	require.NoError(t, err)
	auth := &challengeAuth{exchange: Identifier, signer: signer}
	c := codec{auth: auth}

	_, err = c.Encode(stream.OpSubscribe, []schema.Topic{{Feed: schema.FeedOrders}})
	require.Error(t, err, "private commands need a challenge first")

	begin, err := auth.Begin()
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"challenge","api_key":"key-1"}`, string(begin[0]))

	done, err := auth.Accept(stream.Message{Kind: stream.KindInfo})
	require.NoError(t, err)
	require.False(t, done)
	done, err = auth.Accept(stream.Message{Kind: stream.KindChallenge, Text: "c-123"})
	require.NoError(t, err)
	require.True(t, done)

	frames, err := c.Encode(stream.OpSubscribe, []schema.Topic{{Feed: schema.FeedOrders}, {Feed: schema.FeedBalances}})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	require.Equal(t, "open_orders", cmd.Feed)
	require.Empty(t, cmd.ProductIDs)
	require.Equal(t, "key-1", cmd.APIKey)
	require.Equal(t, "c-123", cmd.OriginalChallenge)
	require.Equal(t, signer.SignChallenge("c-123"), cmd.SignedChallenge)

	_, err = auth.Begin()
	require.NoError(t, err)
	_, _, ok := auth.credentials()
	require.False(t, ok, "each connect needs a fresh challenge")
}

func TestChallengeRejected(t *testing.T) {
	signer, err := signing.NewKrakenFutures(Identifier, "key-1", testSecret)
	require.NoError(t, err)
	auth := &challengeAuth{exchange: Identifier, signer: signer}
	_, err = auth.Accept(stream.Message{Kind: stream.KindError, Text: "Json Error"})
	require.True(t, errs.Is(err, errs.CodeAuth))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, "Json Error", e.RawMsg)
}
