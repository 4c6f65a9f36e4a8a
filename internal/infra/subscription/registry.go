// Package subscription tracks wanted stream topics with reference counting and
// decides when subscribe and unsubscribe commands go on the wire.
//
// A Registry belongs to one streaming session loop and is not safe for
// concurrent use. Callers on other goroutines hand work to the loop instead.
package subscription

import (
	"sort"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

// Wire sends subscription commands on the current connection.
type Wire interface {
	Subscribe(topics []schema.Topic) error
	Unsubscribe(topics []schema.Topic) error
}

// Token identifies one acquisition. The zero token is never issued.
type Token uint64

type entry struct {
	topic     schema.Topic
	listeners int
	wired     bool
}

// Registry holds one entry per topic with a positive listener count.
type Registry struct {
	wire    Wire
	ready   bool
	entries map[schema.Topic]*entry
	tokens  map[Token]schema.Topic
	next    Token
}

// NewRegistry creates a registry that is not ready.
func NewRegistry(wire Wire) *Registry {
	return &Registry{
		wire:    wire,
		ready:   false,
		entries: make(map[schema.Topic]*entry),
		tokens:  make(map[Token]schema.Topic),
		next:    0,
	}
}

// Acquire adds a listener for topic. The first listener of a topic sends a
// subscribe command when the connection is wired; otherwise the topic waits for
// the next SetReady(true). The token stays valid even when the send fails.
func (r *Registry) Acquire(topic schema.Topic) (Token, error) {
	r.next++
	token := r.next
	r.tokens[token] = topic

	if e, ok := r.entries[topic]; ok {
		e.listeners++
		return token, nil
	}
	e := &entry{topic: topic, listeners: 1, wired: false}
	r.entries[topic] = e
	if !r.ready {
		return token, nil
	}
	if err := r.wire.Subscribe([]schema.Topic{topic}); err != nil {
		return token, err
	}
	e.wired = true
	return token, nil
}

// Release drops the listener behind token. Unknown or already released tokens
// are ignored. When the count reaches zero the entry is removed at once and an
// unsubscribe is sent only if the topic is wired on a ready session.
func (r *Registry) Release(token Token) error {
	topic, ok := r.tokens[token]
	if !ok {
		return nil
	}
	delete(r.tokens, token)

	e, ok := r.entries[topic]
	if !ok {
		return nil
	}
	e.listeners--
	if e.listeners > 0 {
		return nil
	}
	delete(r.entries, topic)
	if r.ready && e.wired {
		return r.wire.Unsubscribe([]schema.Topic{topic})
	}
	return nil
}

// SetReady records whether the connection accepts subscription commands.
// Becoming ready subscribes every wanted topic in one batch; losing readiness
// marks all topics unwired.
func (r *Registry) SetReady(ready bool) error {
	r.ready = ready
	if !ready {
		for _, e := range r.entries {
			e.wired = false
		}
		return nil
	}
	pending := r.pending()
	if len(pending) == 0 {
		return nil
	}
	if err := r.wire.Subscribe(pending); err != nil {
		return err
	}
	for _, topic := range pending {
		r.entries[topic].wired = true
	}
	return nil
}

func (r *Registry) pending() []schema.Topic {
	out := make([]schema.Topic, 0, len(r.entries))
	for topic, e := range r.entries {
		if !e.wired {
			out = append(out, topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Ready reports the last value passed to SetReady.
func (r *Registry) Ready() bool { return r.ready }

// Count returns the listener count for topic, zero when absent.
func (r *Registry) Count(topic schema.Topic) int {
	if e, ok := r.entries[topic]; ok {
		return e.listeners
	}
	return 0
}

// Topics returns every wanted topic in a stable order.
func (r *Registry) Topics() []schema.Topic {
	out := make([]schema.Topic, 0, len(r.entries))
	for topic := range r.entries {
		out = append(out, topic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
