package wire

import (
	"context"

	"github.com/distantsys/distant/transport"
)

// FramedTransport wraps a transport.Transport with the negotiated
// codec chain installed by the handshake. All
// application data after construction flows through ReadFrame/
// WriteFrame, which apply Decode/Encode around the raw length-
// delimited frame.
type FramedTransport struct {
	t     transport.Transport
	codec Codec
}

// NewServerFramed performs the server side of the handshake over t and
// returns a FramedTransport with the negotiated codec installed.
func NewServerFramed(ctx context.Context, t transport.Transport, cfg Config) (*FramedTransport, error) {
	codec, err := ServerHandshake(ctx, t, cfg)
	if err != nil {
		t.Close()
		return nil, err
	}
	return &FramedTransport{t: t, codec: codec}, nil
}

// NewClientFramed performs the client side of the handshake over t.
func NewClientFramed(ctx context.Context, t transport.Transport, cfg Config) (*FramedTransport, error) {
	codec, err := ClientHandshake(ctx, t, cfg)
	if err != nil {
		t.Close()
		return nil, err
	}
	return &FramedTransport{t: t, codec: codec}, nil
}

// ReadFrame reads one raw frame and decodes it through the installed
// codec chain.
func (f *FramedTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	raw, err := ReadFrame(ctx, f.t)
	if err != nil {
		return nil, err
	}
	return f.codec.Decode(raw)
}

// WriteFrame encodes payload through the installed codec chain and
// writes it as one raw frame.
func (f *FramedTransport) WriteFrame(ctx context.Context, payload []byte) error {
	enc, err := f.codec.Encode(payload)
	if err != nil {
		return err
	}
	return WriteFrame(ctx, f.t, enc)
}

// Underlying returns the wrapped transport, e.g. so a reconnect can
// call Reconnect and then re-run the handshake via Rehandshake.
func (f *FramedTransport) Underlying() transport.Transport { return f.t }

// Rehandshake re-runs the handshake over the current underlying
// transport (expected after a successful Reconnect) and installs the
// freshly negotiated codec, replacing whatever was there before. The
// encryption state is always re-initialized from scratch on
// reconnect, never persisted across the swap.
func (f *FramedTransport) Rehandshake(ctx context.Context, cfg Config, isServer bool) error {
	var codec Codec
	var err error
	if isServer {
		codec, err = ServerHandshake(ctx, f.t, cfg)
	} else {
		codec, err = ClientHandshake(ctx, f.t, cfg)
	}
	if err != nil {
		return err
	}
	f.codec = codec
	return nil
}

// Close closes the underlying transport.
func (f *FramedTransport) Close() error { return f.t.Close() }
