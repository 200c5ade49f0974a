package transport

import (
	"context"
	"net"
	"time"
)

// tcpTransport adapts a net.Conn (expected to be *net.TCPConn, but any
// net.Conn works for the in-process test doubles) to the Transport
// contract. Reconnect is supported by re-dialing the original
// address.
type tcpTransport struct {
	conn net.Conn
	addr string
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTCP wraps an already-connected net.Conn.
func NewTCP(conn net.Conn) Transport {
	return &tcpTransport{conn: conn}
}

// DialTCP connects to addr and returns a Transport capable of
// reconnecting to the same address.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	dialer := &net.Dialer{KeepAlive: 3 * time.Minute}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn, addr: addr, dial: dialer.DialContext}, nil
}

// tryDeadline is how long TryRead/TryWrite let one net.Conn call run. A
// deadline already in the past fails the call before any I/O is tried,
// so a short one in the future is set instead.
const tryDeadline = time.Millisecond

func (t *tcpTransport) TryRead(p []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(tryDeadline))
	n, err := t.conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *tcpTransport) TryWrite(p []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now().Add(tryDeadline))
	n, err := t.conn.Write(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *tcpTransport) Ready(ctx context.Context, interest Interest) (Ready, error) {
	return readyByPolling(ctx, t, interest)
}

func (t *tcpTransport) Reconnect(ctx context.Context) error {
	if t.dial == nil || t.addr == "" {
		return ErrUnsupported
	}
	conn, err := t.dial(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	t.conn.Close()
	t.conn = conn
	return nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
