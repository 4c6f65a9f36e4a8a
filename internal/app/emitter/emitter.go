// Package emitter provides a non-blocking event channel for adapter notifications.
package emitter

import (
	"sync/atomic"
	"time"
)

// Event is one emitted notification.
type Event struct {
	Exchange string
	Name     string
	Payload  any
	At       time.Time
}

// Channel buffers events and drops them when the buffer is full.
type Channel struct {
	exchange string
	events   chan Event
	dropped  atomic.Int64
}

// NewChannel creates an emitter with the given buffer size.
func NewChannel(exchange string, size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{exchange: exchange, events: make(chan Event, size)}
}

// Emit enqueues an event without blocking.
func (c *Channel) Emit(event string, payload any) {
	select {
	case c.events <- Event{Exchange: c.exchange, Name: event, Payload: payload, At: time.Now().UTC()}:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer.
func (c *Channel) Events() <-chan Event { return c.events }

// Dropped returns how many events were discarded.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }
