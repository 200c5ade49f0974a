package wire

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Codec transforms one frame's payload on its way to/from the wire.
// Implementations are pure except that the AEAD codec holds its
// derived key; it carries no sequence counter, the nonce is random
// per frame. Codecs are a closed set composed by Chain.
type Codec interface {
	Encode(frame []byte) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
	Name() string
}

// Algorithm identifiers, stable wire strings.
const (
	AlgNone              = "none"
	AlgXChaCha20Poly1305 = "xchacha20poly1305"
	AlgDeflate           = "deflate"
	AlgGzip              = "gzip"
	AlgZstd              = "zstd"
)

// PlainCodec is the identity codec.
type PlainCodec struct{}

func (PlainCodec) Encode(frame []byte) ([]byte, error) { return frame, nil }
func (PlainCodec) Decode(frame []byte) ([]byte, error) { return frame, nil }
func (PlainCodec) Name() string                        { return AlgNone }

// AeadCodec implements the XChaCha20-Poly1305 frame codec: a random
// 24-byte nonce is prepended per frame, associated data is empty.
type AeadCodec struct {
	aead cipher.AEAD
}

// NewAeadCodec derives an XChaCha20-Poly1305 AEAD from a 32-byte key.
func NewAeadCodec(key []byte) (*AeadCodec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("wire: aead codec: %w", err)
	}
	return &AeadCodec{aead: aead}, nil
}

func (c *AeadCodec) Encode(frame []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(frame)+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, frame, nil), nil
}

func (c *AeadCodec) Decode(frame []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(frame) < ns {
		return nil, fmt.Errorf("wire: aead frame shorter than nonce")
	}
	nonce, ciphertext := frame[:ns], frame[ns:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

func (c *AeadCodec) Name() string { return AlgXChaCha20Poly1305 }

// CompressionCodec wraps deflate, gzip, or zstd at a configurable
// level. The zstd encoder/decoder pair is stateless across frames
// (EncodeAll/DecodeAll) and reused for the life of the codec.
type CompressionCodec struct {
	alg   string
	level int

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCompressionCodec builds a deflate, gzip, or zstd codec at level.
func NewCompressionCodec(alg string, level int) (*CompressionCodec, error) {
	switch alg {
	case AlgDeflate, AlgGzip:
		return &CompressionCodec{alg: alg, level: level}, nil
	case AlgZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("wire: zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("wire: zstd decoder: %w", err)
		}
		return &CompressionCodec{alg: alg, level: level, zenc: enc, zdec: dec}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported compression algorithm %q", alg)
	}
}

func (c *CompressionCodec) Name() string { return c.alg }

func (c *CompressionCodec) Encode(frame []byte) ([]byte, error) {
	if c.alg == AlgZstd {
		return c.zenc.EncodeAll(frame, nil), nil
	}
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c.alg {
	case AlgDeflate:
		w, err = flate.NewWriter(&buf, c.level)
	case AlgGzip:
		w, err = gzip.NewWriterLevel(&buf, c.level)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(frame); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *CompressionCodec) Decode(frame []byte) ([]byte, error) {
	if c.alg == AlgZstd {
		return c.zdec.DecodeAll(frame, nil)
	}
	var r io.ReadCloser
	var err error
	switch c.alg {
	case AlgDeflate:
		r = flate.NewReader(bytes.NewReader(frame))
	case AlgGzip:
		r, err = gzip.NewReader(bytes.NewReader(frame))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ChainCodec composes two codecs: encode = outer(inner(x)), decode is
// the reverse. The handshake always places encryption outermost over
// compression.
type ChainCodec struct {
	inner, outer Codec
}

// NewChain composes inner and outer so Encode applies inner then outer.
func NewChain(inner, outer Codec) *ChainCodec {
	return &ChainCodec{inner: inner, outer: outer}
}

func (c *ChainCodec) Encode(frame []byte) ([]byte, error) {
	f, err := c.inner.Encode(frame)
	if err != nil {
		return nil, err
	}
	return c.outer.Encode(f)
}

func (c *ChainCodec) Decode(frame []byte) ([]byte, error) {
	f, err := c.outer.Decode(frame)
	if err != nil {
		return nil, err
	}
	return c.inner.Decode(f)
}

func (c *ChainCodec) Name() string { return c.inner.Name() + "+" + c.outer.Name() }
