package manager

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/wire"
)

// pendingForward tracks one request the manager rewrote and forwarded
// to a remote server, so every response sharing its rewritten origin
// id can be routed back to the owning client channel with the
// client's original request id restored.
type pendingForward struct {
	clientID   uint64
	channel    protocol.ChannelId
	envelopeID protocol.Id // the client's manager-level request id (mailbox key)
	originalID protocol.Id // the client's original UntypedRequest.Id, restored on the way back
}

// remoteConnection is one authenticated connection to a remote distant
// server, with the untyped packet layer used for forwarding so the
// manager never needs the domain request schema.
type remoteConnection struct {
	id          protocol.ConnectionId
	destination string
	authMethod  string
	ft          *wire.FramedTransport
	mgr         *Manager

	mu       sync.Mutex
	forwards map[protocol.Id]*pendingForward
	channels map[protocol.ChannelId]struct{}

	out  chan protocol.UntypedRequest
	done chan struct{}
}

func newRemoteConnection(id protocol.ConnectionId, destination, authMethod string, ft *wire.FramedTransport, mgr *Manager) *remoteConnection {
	return &remoteConnection{
		id:          id,
		destination: destination,
		authMethod:  authMethod,
		ft:          ft,
		mgr:         mgr,
		forwards:    make(map[protocol.Id]*pendingForward),
		channels:    make(map[protocol.ChannelId]struct{}),
		out:         make(chan protocol.UntypedRequest, 256),
		done:        make(chan struct{}),
	}
}

func (rc *remoteConnection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go rc.writeLoop(ctx)
	rc.readLoop(ctx)
	close(rc.done)

	rc.mgr.mu.Lock()
	delete(rc.mgr.connections, rc.id)
	rc.mgr.mu.Unlock()
}

func (rc *remoteConnection) readLoop(ctx context.Context) {
	for {
		raw, err := rc.ft.ReadFrame(ctx)
		if err != nil {
			return
		}
		var resp protocol.UntypedResponse
		if err := cbor.Unmarshal(raw, &resp); err != nil {
			continue
		}

		rc.mu.Lock()
		pf, ok := rc.forwards[resp.OriginId]
		rc.mu.Unlock()
		if !ok {
			continue // no owning channel left; drop (e.g. after CloseChannel)
		}

		rc.mgr.sendToClient(pf.clientID, pf.envelopeID, Response{Channel: &ChannelResponse{
			Id: pf.channel,
			Response: protocol.UntypedResponse{
				Id:       resp.Id,
				OriginId: pf.originalID,
				Header:   resp.Header,
				Payload:  resp.Payload,
			},
		}})
	}
}

func (rc *remoteConnection) writeLoop(ctx context.Context) {
	for {
		select {
		case req := <-rc.out:
			b, err := cbor.Marshal(req)
			if err != nil {
				continue
			}
			if err := rc.ft.WriteFrame(ctx, b); err != nil {
				return
			}
		case <-rc.done:
			return
		}
	}
}

// forward rewrites req's id to a fresh one (so collisions across
// clients/channels on the same remote connection are impossible),
// remembers how to route its responses, and writes it to the remote
// server.
func (rc *remoteConnection) forward(clientID uint64, envelopeID protocol.Id, channel protocol.ChannelId, req protocol.UntypedRequest) {
	rewritten := protocol.NewId()
	rc.mu.Lock()
	rc.channels[channel] = struct{}{}
	rc.forwards[rewritten] = &pendingForward{
		clientID:   clientID,
		channel:    channel,
		envelopeID: envelopeID,
		originalID: req.Id,
	}
	rc.mu.Unlock()

	fwd := protocol.UntypedRequest{Id: rewritten, Header: req.Header, Payload: req.Payload}
	select {
	case rc.out <- fwd:
	case <-rc.done:
	}
}

// forgetChannel drops every pending forward belonging to channel,
// e.g. after CloseChannel, so late responses are silently dropped
// rather than misrouted.
func (rc *remoteConnection) forgetChannel(channel protocol.ChannelId) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.channels, channel)
	for id, pf := range rc.forwards {
		if pf.channel == channel {
			delete(rc.forwards, id)
		}
	}
}

func (rc *remoteConnection) close() {
	rc.ft.Close()
}
