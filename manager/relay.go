package manager

import (
	"context"

	"github.com/distantsys/distant/auth"
)

// relay implements both auth.Handler (driving the distant
// authentication protocol against a remote server on the client's
// behalf) and Authenticator (the narrower callback a Plugin gets for
// out-of-band confirmations) by forwarding every callback to the
// originating client as an Authenticate response and waiting, when an
// answer is expected, for the client's matching Authenticate
// request. Fire-and-forget variants (Info,
// Error, Finished, StartMethod) use the same envelope but register no
// pending answer.
type relay struct {
	mgr        *Manager
	clientConn uint64
	method     string
}

func newRelay(mgr *Manager, clientConn uint64) *relay {
	return &relay{mgr: mgr, clientConn: clientConn}
}

func (r *relay) roundTrip(ctx context.Context, msg auth.Message) (auth.Message, error) {
	id, ch := r.mgr.registerPending()
	defer r.mgr.removePending(id)

	if err := r.mgr.sendAuthenticateToClient(r.clientConn, id, msg); err != nil {
		return auth.Message{}, err
	}
	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return auth.Message{}, ctx.Err()
	}
}

func (r *relay) fireAndForget(msg auth.Message) {
	id, _ := r.mgr.registerPending()
	r.mgr.removePending(id) // no answer expected; id is only for envelope uniqueness
	r.mgr.sendAuthenticateToClient(r.clientConn, id, msg)
}

// auth.Handler

func (r *relay) OnInitialization(methods []string) []string {
	resp, err := r.roundTrip(context.Background(), auth.Message{Initialization: &auth.Initialization{Methods: methods}})
	if err != nil || resp.InitializationResponse == nil {
		return nil
	}
	return resp.InitializationResponse.Methods
}

func (r *relay) OnChallenge(questions []auth.Question) []string {
	resp, err := r.roundTrip(context.Background(), auth.Message{Challenge: &auth.Challenge{Questions: questions}})
	if err != nil || resp.ChallengeResponse == nil {
		return nil
	}
	return resp.ChallengeResponse.Answers
}

func (r *relay) OnVerification(kind, text string) bool {
	resp, err := r.roundTrip(context.Background(), auth.Message{Verification: &auth.Verification{Kind: kind, Text: text}})
	if err != nil || resp.VerificationResponse == nil {
		return false
	}
	return resp.VerificationResponse.Valid
}

func (r *relay) OnStartMethod(id string) {
	r.method = id
	r.fireAndForget(auth.Message{StartMethod: &auth.StartMethod{Id: id}})
}

func (r *relay) OnInfo(text string) {
	r.fireAndForget(auth.Message{Info: &auth.Info{Text: text}})
}

func (r *relay) OnError(kind auth.ErrorKind, text string) {
	r.fireAndForget(auth.Message{Error: &auth.Error{Kind: kind, Text: text}})
}

func (r *relay) OnFinished() {
	r.fireAndForget(auth.Message{Finished: &auth.Finished{}})
}

// Authenticator

func (r *relay) Info(text string) { r.fireAndForget(auth.Message{Info: &auth.Info{Text: text}}) }

func (r *relay) Verify(kind, text string) bool { return r.OnVerification(kind, text) }
