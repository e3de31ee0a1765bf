package relay

import (
	"fmt"
	"sync"
)

// DefaultOutboxSize is used when a non-positive size is requested.
const DefaultOutboxSize = 64

// Outbox is the per-connection outbound queue. The router pushes encoded
// events; the transport's writer goroutine drains Events in order.
type Outbox struct {
	id     string
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Outbox with an open events channel.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		events: make(chan []byte, size),
	}
}

// ID returns the connection identity.
func (o *Outbox) ID() string {
	return o.id
}

// Push enqueues data without blocking.
//
// Postcondition: Data is enqueued, or an error if the outbox is closed or full.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.id)
	}
	select {
	case o.events <- data:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.id)
	}
}

// Events returns the read-only events channel. It is closed by Close.
func (o *Outbox) Events() <-chan []byte {
	return o.events
}

// Close marks the outbox closed and closes the events channel. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
