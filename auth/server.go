package auth

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/distantsys/distant/wire"
)

// Verifier is the server-side registry of accepted authentication
// methods. Methods are tried in the order the
// client selected them, not registration order.
type Verifier struct {
	methods map[string]ServerMethod
	order   []string
}

// NewVerifier builds a Verifier offering methods in the given order.
func NewVerifier(methods ...ServerMethod) *Verifier {
	v := &Verifier{methods: make(map[string]ServerMethod, len(methods))}
	for _, m := range methods {
		v.methods[m.Name()] = m
		v.order = append(v.order, m.Name())
	}
	return v
}

// Names returns the configured method names in advertised order.
func (v *Verifier) Names() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// TokenIssuer is called once authentication succeeds to mint and
// persist a fresh reauthentication token. keychain.Keychain.Put also
// takes a ConnectionId, so callers pass a closure binding connID.
type TokenIssuer func(token []byte) error

// Serve runs the server side of authentication to completion over ft:
// advertise methods, negotiate the subset the client selected, run
// each in turn, and on success mint a token via issue. Returns the
// issued token (nil if no TokenIssuer given, e.g. a loopback
// connection that skips reauthentication) and the error taxonomy kind
// if authentication failed.
func (v *Verifier) Serve(ctx context.Context, ft *wire.FramedTransport, issue TokenIssuer) ([]byte, error) {
	if err := send(ctx, ft, Message{Initialization: &Initialization{Methods: v.Names()}}); err != nil {
		return nil, fmt.Errorf("auth: send initialization: %w", err)
	}
	msg, err := recv(ctx, ft)
	if err != nil {
		return nil, fmt.Errorf("auth: read initialization response: %w", err)
	}
	if msg.InitializationResponse == nil {
		return nil, fmt.Errorf("auth: expected initialization response")
	}

	authenticated := false
	for _, name := range msg.InitializationResponse.Methods {
		method, ok := v.methods[name]
		if !ok {
			continue
		}
		if err := send(ctx, ft, Message{StartMethod: &StartMethod{Id: name}}); err != nil {
			return nil, fmt.Errorf("auth: send start method: %w", err)
		}
		if err := method.Serve(ctx, ft); err != nil {
			me, _ := err.(*methodError)
			kind := Fatal
			text := err.Error()
			if me != nil {
				kind, text = me.kind, me.text
			}
			send(ctx, ft, Message{Error: &Error{Kind: kind, Text: text}})
			if kind == Fatal {
				return nil, &methodError{kind: Fatal, text: text}
			}
			continue
		}
		authenticated = true
		break
	}
	if !authenticated {
		text := "no authentication method succeeded"
		send(ctx, ft, Message{Error: &Error{Kind: Fatal, Text: text}})
		return nil, &methodError{kind: Fatal, text: text}
	}

	var token []byte
	if issue != nil {
		token = make([]byte, 32)
		if _, err := rand.Read(token); err != nil {
			return nil, err
		}
		if err := issue(token); err != nil {
			return nil, err
		}
	}
	if err := send(ctx, ft, Message{Finished: &Finished{Token: token}}); err != nil {
		return nil, fmt.Errorf("auth: send finished: %w", err)
	}
	return token, nil
}
