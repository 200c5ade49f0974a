package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/distantsys/distant/wire"
)

// Built-in method ids, reserved stable strings.
const (
	MethodNone             = "none"
	MethodStaticKey        = "static_key"
	MethodReauthentication = "reauthentication"
)

// methodError carries the ErrorKind a failed method should surface to
// the peer, distinguishing a fatal abort from a "try the next method"
// non-fatal failure.
type methodError struct {
	kind ErrorKind
	text string
}

func (e *methodError) Error() string { return e.text }

func fatalf(format string, args ...interface{}) error {
	return &methodError{kind: Fatal, text: fmt.Sprintf(format, args...)}
}

func nonFatalf(format string, args ...interface{}) error {
	return &methodError{kind: NonFatal, text: fmt.Sprintf(format, args...)}
}

// ServerMethod is the server-side half of a named authentication
// method: run the method-specific protocol over ft and return nil on
// success, or a *methodError otherwise.
type ServerMethod interface {
	Name() string
	Serve(ctx context.Context, ft *wire.FramedTransport) error
}

// noneMethod succeeds immediately with no protocol exchange.
type noneMethod struct{}

func (noneMethod) Name() string { return MethodNone }

func (noneMethod) Serve(ctx context.Context, ft *wire.FramedTransport) error { return nil }

// NewNoneMethod returns the "none" ServerMethod.
func NewNoneMethod() ServerMethod { return noneMethod{} }

// keyChallengeMethod implements the shared static_key/reauthentication
// shape: ask a single "key" question, validate the answer with
// validate. If the client supplies more than one answer, only the
// first is used and a non-fatal Error is emitted for the rest being
// ignored.
type keyChallengeMethod struct {
	name     string
	validate func(key string) bool
}

func (m *keyChallengeMethod) Name() string { return m.name }

func (m *keyChallengeMethod) Serve(ctx context.Context, ft *wire.FramedTransport) error {
	if err := send(ctx, ft, Message{Challenge: &Challenge{Questions: []Question{{Text: "key"}}}}); err != nil {
		return fatalf("send challenge: %v", err)
	}
	msg, err := recv(ctx, ft)
	if err != nil {
		return fatalf("read challenge response: %v", err)
	}
	if msg.ChallengeResponse == nil || len(msg.ChallengeResponse.Answers) == 0 {
		return fatalf("expected challenge response")
	}
	if len(msg.ChallengeResponse.Answers) > 1 {
		// Extra answers to a single-question challenge: use the first,
		// report the rest as a non-fatal protocol deviation without
		// aborting this method's outcome.
		send(ctx, ft, Message{Error: &Error{Kind: NonFatal, Text: "only the first answer to a single-question challenge is used"}})
	}
	if !m.validate(msg.ChallengeResponse.Answers[0]) {
		return fatalf("answer not a valid key")
	}
	return nil
}

// NewStaticKeyMethod validates the challenge answer against key in
// constant time.
func NewStaticKeyMethod(key *memguard.LockedBuffer) ServerMethod {
	return &keyChallengeMethod{
		name: MethodStaticKey,
		validate: func(answer string) bool {
			return subtle.ConstantTimeCompare(key.Bytes(), []byte(answer)) == 1
		},
	}
}

// TokenChecker reports whether candidate matches some previously
// issued token (keychain.Keychain.ContainsToken satisfies this).
type TokenChecker interface {
	ContainsToken(candidate []byte) bool
}

// NewReauthenticationMethod validates the challenge answer, the hex
// encoding of a token, against the tokens issued by prior successful
// authentications.
func NewReauthenticationMethod(tokens TokenChecker) ServerMethod {
	return &keyChallengeMethod{
		name: MethodReauthentication,
		validate: func(answer string) bool {
			token, err := hex.DecodeString(answer)
			if err != nil {
				return false
			}
			return tokens.ContainsToken(token)
		},
	}
}
