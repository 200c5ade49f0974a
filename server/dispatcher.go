// Package server implements the accept loop, per-connection task, and
// request dispatcher: bind a listener, handshake + authenticate each
// accepted transport, then run a single-reader/single-writer
// connection task that dispatches inbound requests by discriminant
// and multiplexes handler replies back onto the wire.
package server

import (
	"context"

	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/session"
)

// RequestContext is the handle given to every dispatched
// request: the owning connection, the request itself, and a reply
// handle the handler uses to send zero, one, or many responses.
type RequestContext struct {
	ConnectionId protocol.ConnectionId
	Request      protocol.TypedRequest
	Reply        session.Reply
}

// Handler processes one dispatched request. It returns an error to
// have the dispatcher convert it into a single protocol.Error response
// on the same origin id; a handler that sends its own
// responses (including zero) should return nil.
type Handler func(ctx context.Context, rc *RequestContext) error

// Dispatch runs the built-in handler for rc.Request's discriminant
// against state (process table, watch table, search, system info).
// Exactly one field of DomainRequest should be set; an empty request
// is invalid_input.
func Dispatch(state *session.State) Handler {
	return func(ctx context.Context, rc *RequestContext) error {
		req := rc.Request.Payload
		switch {
		case req.ProcSpawn != nil:
			id, err := state.Processes.Spawn(rc.ConnectionId, *req.ProcSpawn, rc.Reply)
			if err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{ProcSpawned: &protocol.ProcSpawned{Id: uint64(id)}})
			return nil

		case req.ProcStdin != nil:
			if err := state.Processes.Stdin(protocol.ProcessId(req.ProcStdin.Id), req.ProcStdin.Data); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.ProcResizePty != nil:
			if err := state.Processes.ResizePty(protocol.ProcessId(req.ProcResizePty.Id), req.ProcResizePty.Size); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.ProcKill != nil:
			if err := state.Processes.Kill(protocol.ProcessId(req.ProcKill.Id)); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.Watch != nil:
			if err := state.Watches.Watch(rc.ConnectionId, *req.Watch, rc.Reply); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.Unwatch != nil:
			if err := state.Watches.Unwatch(rc.ConnectionId, *req.Unwatch); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.Search != nil:
			state.Searches.Start(ctx, uint64(rc.Request.Id), *req.Search, rc.Reply)
			return nil

		case req.CancelSearch != nil:
			if err := state.Searches.Cancel(req.CancelSearch.Id); err != nil {
				return err
			}
			rc.Reply.Send(protocol.DomainResponse{Ok: &protocol.Ok{}})
			return nil

		case req.SystemInfo != nil:
			reply := session.SystemInfo()
			rc.Reply.Send(protocol.DomainResponse{SystemInfo: &reply})
			return nil

		default:
			return protocol.New(protocol.KindInvalidInput, "empty request payload")
		}
	}
}
