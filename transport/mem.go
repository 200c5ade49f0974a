package transport

import (
	"context"
	"errors"
	"sync"
)

// memTransport is one half of an in-memory transport pair backed by
// buffered Go channels, used for tests and for manager<->in-process
// server loopback.
type memTransport struct {
	out chan []byte
	in  chan []byte

	mu     sync.Mutex
	closed bool
	pend   []byte // leftover bytes from a partial TryRead of an inbound chunk
}

// NewMemPair returns two connected in-memory transports; bytes written
// to one's TryWrite arrive via the other's TryRead, in order.
func NewMemPair(capacity int) (Transport, Transport) {
	a := make(chan []byte, capacity)
	b := make(chan []byte, capacity)
	return &memTransport{out: a, in: b}, &memTransport{out: b, in: a}
}

func (t *memTransport) TryRead(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pend) == 0 {
		select {
		case chunk, ok := <-t.in:
			if !ok {
				return 0, errors.New("transport: closed")
			}
			t.pend = chunk
		default:
			return 0, ErrWouldBlock
		}
	}
	n := copy(p, t.pend)
	t.pend = t.pend[n:]
	return n, nil
}

func (t *memTransport) TryWrite(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, errors.New("transport: closed")
	}
	chunk := append([]byte(nil), p...)
	select {
	case t.out <- chunk:
		return len(p), nil
	default:
		return 0, ErrWouldBlock
	}
}

func (t *memTransport) Ready(ctx context.Context, interest Interest) (Ready, error) {
	wantRead := interest&Readable != 0
	wantWrite := interest&Writable != 0

	t.mu.Lock()
	hasPend := len(t.pend) > 0
	t.mu.Unlock()
	if wantRead && hasPend {
		return Ready(Readable), nil
	}

	var r Ready
	if wantRead {
		select {
		case chunk, ok := <-t.in:
			if !ok {
				return Ready(ReadClosed), nil
			}
			t.mu.Lock()
			t.pend = append(t.pend, chunk...)
			t.mu.Unlock()
			r |= Ready(Readable)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if wantWrite {
		r |= Ready(Writable) // buffered channel send capacity is best-effort
	}
	return r, nil
}

func (t *memTransport) Reconnect(ctx context.Context) error { return ErrUnsupported }

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.out)
	return nil
}
