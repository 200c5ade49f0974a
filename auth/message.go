// Package auth implements the post-handshake authentication
// protocol: method negotiation, the built-in "none"/"static_key"/
// "reauthentication" methods, and the client-side Handler callback
// contract used to drive challenges interactively.
package auth

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/wire"
)

// ErrorKind distinguishes a terminal authentication failure from one
// that just skips to the next configured method.
type ErrorKind string

const (
	Fatal    ErrorKind = "fatal"
	NonFatal ErrorKind = "non_fatal"
)

// Question is one challenge prompt, e.g. {text: "key"}.
type Question struct {
	Text string `cbor:"text"`
}

// Message is the tagged union of every frame exchanged during
// authentication, one pointer field per variant (see
// protocol.DomainResponse for the same idiom).
type Message struct {
	Initialization         *Initialization         `cbor:"initialization,omitempty"`
	InitializationResponse *InitializationResponse `cbor:"initialization_response,omitempty"`
	StartMethod            *StartMethod            `cbor:"start_method,omitempty"`
	Challenge              *Challenge              `cbor:"challenge,omitempty"`
	ChallengeResponse      *ChallengeResponse      `cbor:"challenge_response,omitempty"`
	Verification           *Verification           `cbor:"verification,omitempty"`
	VerificationResponse   *VerificationResponse   `cbor:"verification_response,omitempty"`
	Info                   *Info                   `cbor:"info,omitempty"`
	Error                  *Error                  `cbor:"error,omitempty"`
	Finished               *Finished               `cbor:"finished,omitempty"`
}

type Initialization struct {
	Methods []string `cbor:"methods"`
}

type InitializationResponse struct {
	Methods []string `cbor:"methods"`
}

type StartMethod struct {
	Id string `cbor:"id"`
}

type Challenge struct {
	Questions []Question `cbor:"questions"`
}

type ChallengeResponse struct {
	Answers []string `cbor:"answers"`
}

type Verification struct {
	Kind string `cbor:"kind"`
	Text string `cbor:"text"`
}

type VerificationResponse struct {
	Valid bool `cbor:"valid"`
}

type Info struct {
	Text string `cbor:"text"`
}

type Error struct {
	Kind ErrorKind `cbor:"kind"`
	Text string    `cbor:"text"`
}

// Finished concludes a successful authentication. Token is the fresh
// per-connection secret the server issues for later
// reauthentication.
type Finished struct {
	Token []byte `cbor:"token,omitempty"`
}

func send(ctx context.Context, ft *wire.FramedTransport, msg Message) error {
	b, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	return ft.WriteFrame(ctx, b)
}

func recv(ctx context.Context, ft *wire.FramedTransport) (Message, error) {
	var msg Message
	b, err := ft.ReadFrame(ctx)
	if err != nil {
		return msg, err
	}
	err = cbor.Unmarshal(b, &msg)
	return msg, err
}
