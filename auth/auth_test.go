package auth_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/keychain"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

func pairedFramed(t *testing.T, ctx context.Context) (server, client *wire.FramedTransport) {
	t.Helper()
	serverSide, clientSide := transport.NewMemPair(64)

	type result struct {
		ft  *wire.FramedTransport
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ft, err := wire.NewServerFramed(ctx, serverSide, wire.DefaultConfig())
		ch <- result{ft, err}
	}()
	clientFt, err := wire.NewClientFramed(ctx, clientSide, wire.DefaultConfig())
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.err)
	return r.ft, clientFt
}

// Scenario 1: "none" authentication succeeds
// immediately with no challenge at all.
func TestAuth_NoneMethodSucceeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server, client := pairedFramed(t, ctx)
	defer server.Close()
	defer client.Close()

	verifier := auth.NewVerifier(auth.NewNoneMethod())
	serverErrCh := make(chan error, 1)
	go func() {
		_, err := verifier.Serve(ctx, server, nil)
		serverErrCh <- err
	}()

	handler := auth.NewStaticHandler([]string{auth.MethodNone}, "", nil)
	_, err := auth.Authenticate(ctx, client, handler)
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
}

// Scenario 3: static-key auth success issues a token, then a
// reconnecting client authenticates with "reauthentication" using
// that token instead of the original key.
func TestAuth_StaticKeyThenReauthentication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key := memguard.NewBufferFromBytes([]byte("abc"))
	defer key.Destroy()
	kc := keychain.New()

	verifier := auth.NewVerifier(auth.NewStaticKeyMethod(key))
	server, client := pairedFramed(t, ctx)
	defer server.Close()
	defer client.Close()

	var issued []byte
	serverErrCh := make(chan error, 1)
	go func() {
		tok, err := verifier.Serve(ctx, server, func(token []byte) error {
			issued = token
			return kc.Put(protocol.ConnectionId(1), token)
		})
		if err == nil {
			issued = tok
		}
		serverErrCh <- err
	}()

	handler := auth.NewStaticHandler([]string{auth.MethodStaticKey}, "abc", nil)
	token, err := auth.Authenticate(ctx, client, handler)
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
	require.NotEmpty(t, token)
	require.Equal(t, issued, token)

	// Reconnect: fresh transport pair, new verifier offering
	// reauthentication against the same keychain.
	reVerifier := auth.NewVerifier(auth.NewReauthenticationMethod(kc))
	reServer, reClient := pairedFramed(t, ctx)
	defer reServer.Close()
	defer reClient.Close()

	reErrCh := make(chan error, 1)
	go func() {
		_, err := reVerifier.Serve(ctx, reServer, nil)
		reErrCh <- err
	}()

	reHandler := auth.NewStaticHandler([]string{auth.MethodReauthentication}, hex.EncodeToString(token), nil)
	_, err = auth.Authenticate(ctx, reClient, reHandler)
	require.NoError(t, err)
	require.NoError(t, <-reErrCh)
}

// Scenario 4: an incorrect key fails with a fatal error and the
// connection does not authenticate.
func TestAuth_WrongKeyFailsFatally(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := memguard.NewBufferFromBytes([]byte("abc"))
	defer key.Destroy()
	verifier := auth.NewVerifier(auth.NewStaticKeyMethod(key))
	server, client := pairedFramed(t, ctx)
	defer server.Close()
	defer client.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := verifier.Serve(ctx, server, nil)
		serverErrCh <- err
	}()

	handler := auth.NewStaticHandler([]string{auth.MethodStaticKey}, "wrong", nil)
	_, err := auth.Authenticate(ctx, client, handler)
	require.Error(t, err)
	require.True(t, auth.IsFatal(err))
	require.Error(t, <-serverErrCh)
}

// handlerWithExtraAnswers checks that multiple answers to
// a single-question challenge use the first, and a non-fatal Error is
// emitted for the rest rather than aborting authentication.
type handlerWithExtraAnswers struct {
	key    string
	infos  []string
	errors []string
}

func (h *handlerWithExtraAnswers) OnInitialization(methods []string) []string { return methods }
func (h *handlerWithExtraAnswers) OnChallenge(questions []auth.Question) []string {
	return []string{h.key, "spurious-second-answer"}
}
func (h *handlerWithExtraAnswers) OnVerification(kind, text string) bool { return true }
func (h *handlerWithExtraAnswers) OnStartMethod(id string)               {}
func (h *handlerWithExtraAnswers) OnInfo(text string)                    { h.infos = append(h.infos, text) }
func (h *handlerWithExtraAnswers) OnError(kind auth.ErrorKind, text string) {
	h.errors = append(h.errors, string(kind)+":"+text)
}
func (h *handlerWithExtraAnswers) OnFinished() {}

func TestAuth_ExtraChallengeAnswersAreNonFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := memguard.NewBufferFromBytes([]byte("abc"))
	defer key.Destroy()
	verifier := auth.NewVerifier(auth.NewStaticKeyMethod(key))
	server, client := pairedFramed(t, ctx)
	defer server.Close()
	defer client.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := verifier.Serve(ctx, server, nil)
		serverErrCh <- err
	}()

	handler := &handlerWithExtraAnswers{key: "abc"}
	_, err := auth.Authenticate(ctx, client, handler)
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
	require.NotEmpty(t, handler.errors, "extra answers should surface a non-fatal error event")
}
