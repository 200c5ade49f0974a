package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/net/netutil"
)

// Listener is the uniform accept contract used by servers and
// managers.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
}

// tcpListener binds the first free port in [low, high] on addr.
// Concurrent accepted connections are bounded with
// netutil.LimitListener, the Go-idiomatic analog of rate-shaping
// accepted work before it reaches the connection-task pool.
type tcpListener struct {
	ln net.Listener
}

// ListenTCPRange binds to the first free port in [low, high] on host.
func ListenTCPRange(host string, low, high, maxConns int) (Listener, int, error) {
	for port := low; port <= high; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		if maxConns > 0 {
			ln = netutil.LimitListener(ln, maxConns)
		}
		return &tcpListener{ln: ln}, port, nil
	}
	return nil, 0, fmt.Errorf("transport: no free port in [%d, %d] on %s", low, high, host)
}

func (l *tcpListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := acceptWithContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

// acceptWithContext runs a blocking Accept on a goroutine so it can be
// cancelled by ctx without requiring the caller to close the listener.
func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// unixListener binds a Unix domain socket at path with the given file
// mode.
type unixListener struct {
	ln   net.Listener
	path string
}

// ListenUnix creates a Unix domain socket at path with the given mode.
func ListenUnix(path string, mode os.FileMode) (Listener, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, err
	}
	return &unixListener{ln: ln, path: path}, nil
}

func (l *unixListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := acceptWithContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	return NewUnix(conn), nil
}

func (l *unixListener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// oneshotListener yields a single pre-loaded Transport then end-of-stream,
// used by tests that need exactly one accepted connection.
type oneshotListener struct {
	t    Transport
	used bool
}

// NewOneshotListener wraps t as a Listener that accepts it exactly once.
func NewOneshotListener(t Transport) Listener {
	return &oneshotListener{t: t}
}

func (l *oneshotListener) Accept(ctx context.Context) (Transport, error) {
	if l.used {
		return nil, io.EOF
	}
	l.used = true
	return l.t, nil
}

func (l *oneshotListener) Close() error { return nil }

// mpscListener is backed by a bounded channel of pre-made transports,
// used in tests to simulate a server accepting several connections.
type mpscListener struct {
	ch     chan Transport
	closed chan struct{}
}

// NewMpscListener returns a Listener and the send side of its backing
// channel; the test driver pushes Transports onto it as fake
// connections arrive.
func NewMpscListener(capacity int) (Listener, chan<- Transport) {
	l := &mpscListener{ch: make(chan Transport, capacity), closed: make(chan struct{})}
	return l, l.ch
}

func (l *mpscListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t, ok := <-l.ch:
		if !ok {
			return nil, io.EOF
		}
		return t, nil
	case <-l.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *mpscListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// mappedListener composes an inner Listener with a function that
// transforms each accepted Transport before handing it back, used to
// wrap every raw accept with framing and a codec chain.
type mappedListener struct {
	inner Listener
	fn    func(Transport) (Transport, error)
}

// NewMappedListener wraps inner so every Accept result is passed
// through fn first.
func NewMappedListener(inner Listener, fn func(Transport) (Transport, error)) Listener {
	return &mappedListener{inner: inner, fn: fn}
}

func (l *mappedListener) Accept(ctx context.Context) (Transport, error) {
	t, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return l.fn(t)
}

func (l *mappedListener) Close() error { return l.inner.Close() }
