package wire

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/distantsys/distant/transport"
)

// HandshakeOptions is the server's opening, plain-frame offer of
// supported algorithms.
type HandshakeOptions struct {
	Compression []string `cbor:"compression"`
	Encryption  []string `cbor:"encryption"`
}

// HandshakeChoice is the client's reply selecting one of each.
type HandshakeChoice struct {
	Compression      string `cbor:"compression,omitempty"`
	CompressionLevel int    `cbor:"compression_level,omitempty"`
	Encryption       string `cbor:"encryption,omitempty"`
}

// keyExchangeMessage carries one side's ephemeral P-256 public key and
// salt during step 3 of the handshake.
type keyExchangeMessage struct {
	PublicKey []byte `cbor:"public_key"`
	Salt      []byte `cbor:"salt"`
}

// Config configures the handshake's negotiable algorithm sets.
type Config struct {
	// Compression is the list of compression algorithms offered (server
	// side) or preferred-order accepted (client side). Empty means "none".
	Compression []string
	// CompressionLevel is used when Compression selects deflate, gzip
	// or zstd.
	CompressionLevel int
	// Encryption is almost always just {AlgXChaCha20Poly1305}; "none" is
	// only useful for tests.
	Encryption []string
}

// DefaultConfig offers XChaCha20-Poly1305 encryption and no compression.
func DefaultConfig() Config {
	return Config{
		Compression:      []string{AlgNone},
		CompressionLevel: 6,
		Encryption:       []string{AlgXChaCha20Poly1305},
	}
}

func writePlain(ctx context.Context, t transport.Transport, v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(ctx, t, b)
}

func readPlain(ctx context.Context, t transport.Transport, v interface{}) error {
	b, err := ReadFrame(ctx, t)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, v)
}

// ServerHandshake runs the server side of the handshake in full:
// offer, choice, ECDH key exchange, derived codec chain.
func ServerHandshake(ctx context.Context, t transport.Transport, cfg Config) (Codec, error) {
	if err := writePlain(ctx, t, HandshakeOptions{Compression: cfg.Compression, Encryption: cfg.Encryption}); err != nil {
		return nil, fmt.Errorf("wire: send handshake options: %w", err)
	}
	var choice HandshakeChoice
	if err := readPlain(ctx, t, &choice); err != nil {
		return nil, fmt.Errorf("wire: read handshake choice: %w", err)
	}
	if !contains(cfg.Encryption, choice.Encryption) {
		return nil, fmt.Errorf("wire: unsupported encryption algorithm %q", choice.Encryption)
	}
	if choice.Compression != "" && !contains(cfg.Compression, choice.Compression) {
		return nil, fmt.Errorf("wire: unsupported compression algorithm %q", choice.Compression)
	}
	key, err := exchangeKeys(ctx, t)
	if err != nil {
		return nil, err
	}
	return buildChain(choice, key)
}

// ClientHandshake runs the client side: read offer, choose, exchange
// keys, build the same codec chain the server derives.
func ClientHandshake(ctx context.Context, t transport.Transport, cfg Config) (Codec, error) {
	var opts HandshakeOptions
	if err := readPlain(ctx, t, &opts); err != nil {
		return nil, fmt.Errorf("wire: read handshake options: %w", err)
	}
	choice := HandshakeChoice{
		Encryption:       firstSupported(cfg.Encryption, opts.Encryption),
		Compression:      firstSupported(cfg.Compression, opts.Compression),
		CompressionLevel: cfg.CompressionLevel,
	}
	if choice.Encryption == "" {
		return nil, fmt.Errorf("wire: no common encryption algorithm")
	}
	if err := writePlain(ctx, t, choice); err != nil {
		return nil, fmt.Errorf("wire: send handshake choice: %w", err)
	}
	key, err := exchangeKeys(ctx, t)
	if err != nil {
		return nil, err
	}
	return buildChain(choice, key)
}

// exchangeKeys performs step 3 of the handshake: each side generates
// an ephemeral P-256 secret and a 32-byte salt, exchanges public-key
// bytes and salt, and derives a 32-byte key via
// shared_secret := ECDH(their_pk, my_sk)
// shared_salt := my_salt XOR their_salt
// derived_key := HKDF-SHA256(shared_secret, salt=shared_salt, info="", length=32)
// Both sides run the identical exchange, so there is no client/server
// asymmetry here.
func exchangeKeys(ctx context.Context, t transport.Transport) ([]byte, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wire: generate ephemeral key: %w", err)
	}
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	mine := keyExchangeMessage{PublicKey: priv.PublicKey().Bytes(), Salt: salt}
	if err := writePlain(ctx, t, mine); err != nil {
		return nil, fmt.Errorf("wire: send key exchange message: %w", err)
	}
	var theirs keyExchangeMessage
	if err := readPlain(ctx, t, &theirs); err != nil {
		return nil, fmt.Errorf("wire: read key exchange message: %w", err)
	}

	theirKey, err := curve.NewPublicKey(theirs.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed peer public key: %w", err)
	}
	sharedSecret, err := priv.ECDH(theirKey)
	if err != nil {
		return nil, fmt.Errorf("wire: ecdh failed: %w", err)
	}

	if len(theirs.Salt) != len(salt) {
		return nil, fmt.Errorf("wire: malformed peer salt")
	}
	sharedSalt := make([]byte, len(salt))
	for i := range salt {
		sharedSalt[i] = salt[i] ^ theirs.Salt[i]
	}

	kdf := hkdf.New(sha256.New, sharedSecret, sharedSalt, nil)
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("wire: hkdf: %w", err)
	}
	return key, nil
}

func buildChain(choice HandshakeChoice, key []byte) (Codec, error) {
	var inner Codec = PlainCodec{}
	if choice.Compression != "" && choice.Compression != AlgNone {
		c, err := NewCompressionCodec(choice.Compression, choice.CompressionLevel)
		if err != nil {
			return nil, err
		}
		inner = c
	}
	switch choice.Encryption {
	case AlgNone, "":
		return inner, nil
	case AlgXChaCha20Poly1305:
		aead, err := NewAeadCodec(key)
		if err != nil {
			return nil, err
		}
		return NewChain(inner, aead), nil
	default:
		return nil, fmt.Errorf("wire: unsupported encryption algorithm %q", choice.Encryption)
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// firstSupported returns the first entry of preferred that also
// appears in offered, or "" if none match.
func firstSupported(preferred, offered []string) string {
	for _, p := range preferred {
		if contains(offered, p) {
			return p
		}
	}
	return ""
}
