package manager

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/distantsys/distant/transport"
)

// QUICPlugin is a supplemental connect plugin demonstrating that
// Plugin is not limited to TCP-backed transports: it opens a single
// bidirectional stream over a QUIC connection and wraps it the same
// way DistantPlugin wraps a TCP conn.
type QUICPlugin struct {
	basePlugin

	// InsecureSkipVerify exists for local testing against a
	// self-signed server certificate; left false in production use.
	InsecureSkipVerify bool
}

func (QUICPlugin) Name() string      { return "quic" }
func (QUICPlugin) Schemes() []string { return []string{"quic"} }

func (p QUICPlugin) Connect(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (transport.Transport, error) {
	if dest.Port == 0 {
		return nil, fmt.Errorf("manager: quic destination %q has no port", dest.Raw)
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: p.InsecureSkipVerify,
		NextProtos:         []string{"distant"},
	}
	authn.Info(fmt.Sprintf("connecting over quic to %s", dest.HostPort()))

	conn, err := quic.DialAddr(ctx, dest.HostPort(), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("manager: quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("manager: quic open stream: %w", err)
	}
	return newQUICTransport(conn, stream), nil
}

// quicTransport adapts a single QUIC stream (plus the connection that
// owns it, closed alongside) to the Transport contract, reusing the
// deadline-based non-blocking trick the TCP transport uses since
// quic.Stream exposes the same SetReadDeadline/SetWriteDeadline shape
// as net.Conn.
type quicTransport struct {
	conn   quic.Connection
	stream quic.Stream
}

func newQUICTransport(conn quic.Connection, stream quic.Stream) transport.Transport {
	return &quicTransport{conn: conn, stream: stream}
}

func (t *quicTransport) TryRead(p []byte) (int, error) {
	t.stream.SetReadDeadline(time.Now())
	n, err := t.stream.Read(p)
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return n, transport.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (t *quicTransport) TryWrite(p []byte) (int, error) {
	t.stream.SetWriteDeadline(time.Now())
	n, err := t.stream.Write(p)
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return n, transport.ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (t *quicTransport) Ready(ctx context.Context, interest transport.Interest) (transport.Ready, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(time.Millisecond):
		return transport.Ready(interest), nil
	}
}

func (t *quicTransport) Reconnect(ctx context.Context) error {
	return transport.ErrUnsupported
}

func (t *quicTransport) Close() error {
	t.stream.Close()
	return t.conn.CloseWithError(0, "closed")
}
