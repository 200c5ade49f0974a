// Package wire implements the length-delimited, encrypted framing layer
// over a transport.Transport: raw frame read/write, the pluggable codec
// chain, and the handshake that negotiates and installs it.
package wire

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/distantsys/distant/transport"
)

// MaxFrameSize bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// ReadFrame reads one length-prefixed frame: an 8-byte big-endian
// length followed by that many payload bytes.
func ReadFrame(ctx context.Context, t transport.Transport) ([]byte, error) {
	var lenBuf [8]byte
	if err := transport.ReadFull(ctx, t, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if err := transport.ReadFull(ctx, t, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(ctx context.Context, t transport.Transport, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if err := transport.WriteFull(ctx, t, lenBuf[:]); err != nil {
		return err
	}
	return transport.WriteFull(ctx, t, payload)
}
