package auth

import (
	"context"
	"fmt"

	"github.com/distantsys/distant/wire"
)

// Authenticate runs the client side of authentication to completion
// over ft, driven entirely by handler's callbacks. It
// returns the reauthentication token issued on success, or an error
// (a *methodError with Kind Fatal for a protocol-level abort).
func Authenticate(ctx context.Context, ft *wire.FramedTransport, handler Handler) ([]byte, error) {
	msg, err := recv(ctx, ft)
	if err != nil {
		return nil, fmt.Errorf("auth: read initialization: %w", err)
	}
	if msg.Initialization == nil {
		return nil, fmt.Errorf("auth: expected initialization")
	}
	selected := handler.OnInitialization(msg.Initialization.Methods)
	if err := send(ctx, ft, Message{InitializationResponse: &InitializationResponse{Methods: selected}}); err != nil {
		return nil, fmt.Errorf("auth: send initialization response: %w", err)
	}

	for {
		msg, err := recv(ctx, ft)
		if err != nil {
			return nil, fmt.Errorf("auth: read message: %w", err)
		}
		switch {
		case msg.StartMethod != nil:
			handler.OnStartMethod(msg.StartMethod.Id)

		case msg.Challenge != nil:
			answers := handler.OnChallenge(msg.Challenge.Questions)
			if err := send(ctx, ft, Message{ChallengeResponse: &ChallengeResponse{Answers: answers}}); err != nil {
				return nil, fmt.Errorf("auth: send challenge response: %w", err)
			}

		case msg.Verification != nil:
			valid := handler.OnVerification(msg.Verification.Kind, msg.Verification.Text)
			if err := send(ctx, ft, Message{VerificationResponse: &VerificationResponse{Valid: valid}}); err != nil {
				return nil, fmt.Errorf("auth: send verification response: %w", err)
			}

		case msg.Info != nil:
			handler.OnInfo(msg.Info.Text)

		case msg.Error != nil:
			handler.OnError(msg.Error.Kind, msg.Error.Text)
			if msg.Error.Kind == Fatal {
				return nil, &methodError{kind: Fatal, text: msg.Error.Text}
			}

		case msg.Finished != nil:
			handler.OnFinished()
			return msg.Finished.Token, nil

		default:
			return nil, fmt.Errorf("auth: empty message")
		}
	}
}

// IsFatal reports whether err (as returned by Authenticate or a
// ServerMethod) represents a fatal authentication failure.
func IsFatal(err error) bool {
	me, ok := err.(*methodError)
	return ok && me.kind == Fatal
}
