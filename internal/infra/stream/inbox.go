package stream

import (
	"sync"

	"github.com/gammazero/deque"
)

// command runs on the session loop. A non-nil ErrReconnect result drops the
// active connection.
type command func() error

// inbox hands commands from any goroutine to the session loop in FIFO order.
type inbox struct {
	mu     sync.Mutex
	queue  deque.Deque[command]
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

// push enqueues cmd and reports false once the inbox is closed.
func (b *inbox) push(cmd command) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue.PushBack(cmd)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// ready is signalled after pushes; one signal may cover several commands.
func (b *inbox) ready() <-chan struct{} {
	return b.signal
}

// drain removes every queued command.
func (b *inbox) drain() []command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return nil
	}
	out := make([]command, 0, b.queue.Len())
	for b.queue.Len() > 0 {
		out = append(out, b.queue.PopFront())
	}
	return out
}

// close rejects future pushes and drops anything pending.
func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.queue.Clear()
	b.mu.Unlock()
}
