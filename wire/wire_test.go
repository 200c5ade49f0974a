package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distantsys/distant/transport"
)

// TestFrame_RoundTrip checks the framing round-trip property:
// decode(read(write(encode(B, C)), C)) == B, exercised here through
// the raw frame layer directly.
func TestFrame_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b := transport.NewMemPair(8)
	defer a.Close()
	defer b.Close()

	payload := []byte("the quick brown fox")
	require.NoError(t, WriteFrame(ctx, a, payload))
	got, err := ReadFrame(ctx, b)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b := transport.NewMemPair(8)
	defer a.Close()
	defer b.Close()

	var lenBuf [8]byte
	lenBuf[0] = 0xFF // absurd length, far past MaxFrameSize
	require.NoError(t, transport.WriteFull(ctx, a, lenBuf[:]))

	_, err := ReadFrame(ctx, b)
	require.Error(t, err)
}

func codecRoundTrip(t *testing.T, c Codec, plaintext []byte) {
	t.Helper()
	enc, err := c.Encode(plaintext)
	require.NoError(t, err)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, plaintext, dec)
}

func TestPlainCodec_RoundTrip(t *testing.T) {
	codecRoundTrip(t, PlainCodec{}, []byte("hello"))
}

func TestAeadCodec_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewAeadCodec(key)
	require.NoError(t, err)
	codecRoundTrip(t, c, []byte("secret payload"))
	require.Equal(t, AlgXChaCha20Poly1305, c.Name())
}

func TestAeadCodec_DistinctNoncesPerFrame(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewAeadCodec(key)
	require.NoError(t, err)

	a, err := c.Encode([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := c.Encode([]byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b, "random nonce must vary encryption of identical plaintext")
}

func TestAeadCodec_TamperedCiphertextFailsToDecode(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewAeadCodec(key)
	require.NoError(t, err)
	enc, err := c.Encode([]byte("message"))
	require.NoError(t, err)
	enc[len(enc)-1] ^= 0xFF
	_, err = c.Decode(enc)
	require.Error(t, err)
}

func TestCompressionCodec_DeflateRoundTrip(t *testing.T) {
	c, err := NewCompressionCodec(AlgDeflate, 6)
	require.NoError(t, err)
	codecRoundTrip(t, c, []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
}

func TestCompressionCodec_GzipRoundTrip(t *testing.T) {
	c, err := NewCompressionCodec(AlgGzip, 6)
	require.NoError(t, err)
	codecRoundTrip(t, c, []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
}

func TestCompressionCodec_ZstdRoundTrip(t *testing.T) {
	c, err := NewCompressionCodec(AlgZstd, 3)
	require.NoError(t, err)
	codecRoundTrip(t, c, []byte("cccccccccccccccccccccccccccccccccccccccccccccccccccccc"))
	require.Equal(t, AlgZstd, c.Name())
}

func TestCompressionCodec_RejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewCompressionCodec("bzip2", 1)
	require.Error(t, err)
}

func TestChainCodec_EncodeAppliesInnerThenOuter(t *testing.T) {
	key := make([]byte, 32)
	aead, err := NewAeadCodec(key)
	require.NoError(t, err)
	deflate, err := NewCompressionCodec(AlgDeflate, 6)
	require.NoError(t, err)

	chain := NewChain(deflate, aead)
	plaintext := []byte("compress then encrypt, decrypt then decompress, repeated many times over")
	codecRoundTrip(t, chain, plaintext)
}

// TestHandshake_DerivesMatchingKeys drives the full client/server
// handshake over an in-memory pair and confirms both sides land on a
// codec chain that can actually talk to each other.
func TestHandshake_DerivesMatchingKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverSide, clientSide := transport.NewMemPair(64)
	defer serverSide.Close()
	defer clientSide.Close()

	type result struct {
		codec Codec
		err   error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := ServerHandshake(ctx, serverSide, DefaultConfig())
		serverCh <- result{c, err}
	}()

	clientCodec, err := ClientHandshake(ctx, clientSide, DefaultConfig())
	require.NoError(t, err)
	serverResult := <-serverCh
	require.NoError(t, serverResult.err)

	plaintext := []byte("handshake derived a usable shared key")
	enc, err := clientCodec.Encode(plaintext)
	require.NoError(t, err)
	dec, err := serverResult.codec.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, plaintext, dec)
}

func TestHandshake_RejectsUnsupportedEncryption(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	serverSide, clientSide := transport.NewMemPair(64)
	defer serverSide.Close()
	defer clientSide.Close()

	serverCfg := Config{Encryption: []string{AlgXChaCha20Poly1305}}
	clientCfg := Config{Encryption: []string{"made-up-cipher"}}

	errCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(ctx, serverSide, serverCfg)
		errCh <- err
	}()

	// The client finds no encryption algorithm in common and fails before
	// sending a choice; the server, left waiting for one, fails too.
	// Neither side silently falls back.
	_, clientErr := ClientHandshake(ctx, clientSide, clientCfg)
	require.Error(t, clientErr)
	require.Error(t, <-errCh)
}

// TestFramedTransport_FullRoundTrip exercises NewClientFramed/
// NewServerFramed end to end: handshake, then an encrypted
// WriteFrame/ReadFrame round trip.
func TestFramedTransport_FullRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverSide, clientSide := transport.NewMemPair(64)

	type result struct {
		ft  *FramedTransport
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		ft, err := NewServerFramed(ctx, serverSide, DefaultConfig())
		serverCh <- result{ft, err}
	}()

	clientFt, err := NewClientFramed(ctx, clientSide, DefaultConfig())
	require.NoError(t, err)
	defer clientFt.Close()
	serverResult := <-serverCh
	require.NoError(t, serverResult.err)
	defer serverResult.ft.Close()

	require.NoError(t, clientFt.WriteFrame(ctx, []byte("over the wire")))
	got, err := serverResult.ft.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, "over the wire", string(got))
}
