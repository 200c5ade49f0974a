// Package mux implements the client side request/response
// multiplexer: Send/Mail/Fire, the post office that routes inbound
// responses to the right mailbox, and the reconnect policy.
package mux

import (
	"context"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"

	"github.com/distantsys/distant/protocol"
)

// DefaultMailboxCapacity is Mail's default bounded queue size.
const DefaultMailboxCapacity = 10000

// Mailbox is a bounded queue keyed by a request id; it receives every
// response whose OriginId equals that key. The queue itself is a
// channels.NativeChannel, a fixed-capacity buffered channel wrapper.
type Mailbox struct {
	id protocol.Id
	ch channels.Channel

	mu     sync.Mutex
	closed chan struct{}
}

func newMailbox(id protocol.Id, capacity int) *Mailbox {
	return &Mailbox{
		id:     id,
		ch:     channels.NewNativeChannel(channels.BufferCap(capacity)),
		closed: make(chan struct{}),
	}
}

// Id is the request id this mailbox was allocated for.
func (m *Mailbox) Id() protocol.Id { return m.id }

// tryDeliver attempts a non-blocking send. Returns false if the
// mailbox is full or already closed, the post office's signal to
// remove it and fall back to broadcast. The mutex keeps a concurrent
// Close from closing the queue mid-send.
func (m *Mailbox) tryDeliver(resp protocol.Response) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.ch.In() <- resp:
		return true
	default:
		return false
	}
}

// Next blocks until a response arrives, the mailbox is closed (ok
// == false), or ctx is done.
func (m *Mailbox) Next(ctx context.Context) (protocol.Response, bool, error) {
	select {
	case v, ok := <-m.ch.Out():
		if !ok {
			return protocol.Response{}, false, nil
		}
		return v.(protocol.Response), true, nil
	case <-ctx.Done():
		return protocol.Response{}, false, ctx.Err()
	}
}

// NextTimeout is Next bounded by d.
func (m *Mailbox) NextTimeout(d time.Duration) (protocol.Response, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return m.Next(ctx)
}

// Close closes the mailbox; any blocked or future Next call returns
// end-of-stream.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}
	m.ch.Close()
}

// isClosed reports whether Close has been called, used by the post
// office's periodic prune.
func (m *Mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
