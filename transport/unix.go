//go:build !windows

package transport

import (
	"context"
	"net"
	"time"
)

// unixTransport wraps a Unix domain socket connection. Like TCP,
// reconnect redials the same socket path.
type unixTransport struct {
	conn net.Conn
	path string
}

// NewUnix wraps an already-connected net.Conn over a Unix socket.
func NewUnix(conn net.Conn) Transport {
	return &unixTransport{conn: conn}
}

// DialUnix connects to the Unix domain socket at path.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &unixTransport{conn: conn, path: path}, nil
}

func (t *unixTransport) TryRead(p []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(tryDeadline))
	n, err := t.conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *unixTransport) TryWrite(p []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now().Add(tryDeadline))
	n, err := t.conn.Write(p)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (t *unixTransport) Ready(ctx context.Context, interest Interest) (Ready, error) {
	return readyByPolling(ctx, t, interest)
}

func (t *unixTransport) Reconnect(ctx context.Context) error {
	if t.path == "" {
		return ErrUnsupported
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.path)
	if err != nil {
		return err
	}
	t.conn.Close()
	t.conn = conn
	return nil
}

func (t *unixTransport) Close() error { return t.conn.Close() }
