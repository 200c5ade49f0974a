package manager

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

// fakePlugin hands out one side of an in-memory transport pair and
// runs a minimal echoing remote server on the other side, so
// handleConnect/handleChannel can be exercised without a real network
// dial.
type fakePlugin struct {
	scheme string
}

func (p fakePlugin) Name() string      { return "fake" }
func (p fakePlugin) Schemes() []string { return []string{p.scheme} }

func (p fakePlugin) Connect(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (transport.Transport, error) {
	serverSide, clientSide := transport.NewMemPair(64)
	go runFakeRemoteServer(ctx, serverSide)
	return clientSide, nil
}

func (p fakePlugin) Launch(ctx context.Context, dest Destination, options map[string]string, authn Authenticator) (Destination, error) {
	return Destination{}, nil
}

// runFakeRemoteServer mirrors the untyped echo a real distant server's
// dispatcher would perform for a request it doesn't recognize: it
// hands back the payload unchanged under a fresh id, OriginId set to
// the request's id (protocol.UntypedRequest/UntypedResponse).
func runFakeRemoteServer(ctx context.Context, t transport.Transport) {
	ft, err := wire.NewServerFramed(ctx, t, wire.DefaultConfig())
	if err != nil {
		return
	}
	verifier := auth.NewVerifier(auth.NewNoneMethod())
	if _, err := verifier.Serve(ctx, ft, nil); err != nil {
		return
	}
	for {
		raw, err := ft.ReadFrame(ctx)
		if err != nil {
			return
		}
		var req protocol.UntypedRequest
		if err := cbor.Unmarshal(raw, &req); err != nil {
			continue
		}
		resp := protocol.UntypedResponse{Id: protocol.NewId(), OriginId: req.Id, Payload: req.Payload}
		b, _ := cbor.Marshal(resp)
		if err := ft.WriteFrame(ctx, b); err != nil {
			return
		}
	}
}

// testClient registers a clientConn-shaped peer in the manager's
// client table and exposes a channel of decoded wireResponses, so
// handle()'s async forward/relay traffic (written via sendToClient,
// not returned synchronously) can be observed.
type testClient struct {
	id   uint64
	ft   *wire.FramedTransport
	resp chan wireResponse
}

// attachTestClient registers a clientConn-shaped peer in the manager's
// client table. Its background reader auto-answers any auth relay
// traffic the manager forwards (the none method's InitializationResponse
// round trip) by echoing the offered methods straight back, and
// surfaces everything else (Channel forwards, in particular) on
// resp for the test to inspect.
func attachTestClient(t *testing.T, ctx context.Context, m *Manager, id uint64) *testClient {
	t.Helper()
	serverSide, clientSide := transport.NewMemPair(64)

	// The server half of the handshake blocks until the client half
	// runs, so it has to happen off the test goroutine.
	ftCh := make(chan *wire.FramedTransport, 1)
	go func() {
		ft, err := wire.NewServerFramed(ctx, serverSide, wire.DefaultConfig())
		if err != nil {
			close(ftCh)
			return
		}
		ftCh <- ft
	}()

	peerFt, err := wire.NewClientFramed(ctx, clientSide, wire.DefaultConfig())
	require.NoError(t, err)

	ft, ok := <-ftCh
	require.True(t, ok, "server-side handshake failed")
	cc := newClientConn(id, ft, m, m.log)
	m.mu.Lock()
	m.clients[id] = cc
	m.mu.Unlock()
	go cc.run(ctx)

	tc := &testClient{id: id, ft: peerFt, resp: make(chan wireResponse, 16)}
	go func() {
		for {
			raw, err := peerFt.ReadFrame(ctx)
			if err != nil {
				return
			}
			var wr wireResponse
			if err := cbor.Unmarshal(raw, &wr); err != nil {
				continue
			}
			if wr.Payload.Authenticate != nil {
				tc.answerAuth(ctx, wr.Payload.Authenticate)
				continue
			}
			tc.resp <- wr
		}
	}()
	return tc
}

// answerAuth answers the one relay round trip the "none" method
// requires (InitializationResponse), passing the offered methods
// straight through; every other relay message is fire-and-forget and
// needs no reply.
func (tc *testClient) answerAuth(ctx context.Context, msg *AuthenticateMsg) {
	if msg.Msg.Initialization == nil {
		return
	}
	reply := wireRequest{
		Id: protocol.NewId(),
		Payload: Request{Authenticate: &AuthenticateMsg{
			Id:  msg.Id,
			Msg: auth.Message{InitializationResponse: &auth.InitializationResponse{Methods: msg.Msg.Initialization.Methods}},
		}},
	}
	b, err := cbor.Marshal(reply)
	if err != nil {
		return
	}
	_ = tc.ft.WriteFrame(ctx, b)
}

func (tc *testClient) await(t *testing.T, timeout time.Duration) wireResponse {
	t.Helper()
	select {
	case wr := <-tc.resp:
		return wr
	case <-time.After(timeout):
		t.Fatalf("client %d: timed out waiting for a response", tc.id)
		return wireResponse{}
	}
}

func newTestManager() *Manager {
	return New(Config{Wire: wire.DefaultConfig()}, fakePlugin{scheme: "fake"})
}

// cborPayload CBOR-encodes v into the raw form
// UntypedRequest/UntypedResponse carry on the wire.
func cborPayload(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodePayload(t *testing.T, raw []byte) string {
	t.Helper()
	var s string
	require.NoError(t, cbor.Unmarshal(raw, &s))
	return s
}

func TestManager_ConnectThenOpenChannelThenForward(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m := newTestManager()
	tc := attachTestClient(t, ctx, m, 42)

	connResp := m.handleConnect(ctx, 42, ConnectRequest{Destination: "fake://host"})
	require.Nil(t, connResp.Error)
	require.NotNil(t, connResp.Connected)

	chResp := m.handleOpenChannel(OpenChannelRequest{Id: connResp.Connected.Id})
	require.Nil(t, chResp.Error)
	require.NotNil(t, chResp.ChannelOpened)

	reqID := protocol.NewId()
	envelopeID := protocol.NewId()
	ack := m.handleChannel(ctx, 42, envelopeID, ChannelRequest{
		Id:      chResp.ChannelOpened.Id,
		Request: protocol.UntypedRequest{Id: reqID, Payload: cborPayload(t, "ping")},
	})
	require.Nil(t, ack.Error)

	wr := tc.await(t, 2*time.Second)
	require.Equal(t, envelopeID, wr.OriginId)
	require.NotNil(t, wr.Payload.Channel)
	require.Equal(t, chResp.ChannelOpened.Id, wr.Payload.Channel.Id)
	require.Equal(t, reqID, wr.Payload.Channel.Response.OriginId)
	require.Equal(t, "ping", decodePayload(t, wr.Payload.Channel.Response.Payload))
}

// TestManager_TwoChannelsNeverCrossDeliver:
// one client opens two channels on the same connection, issues
// overlapping requests on both, and responses must never cross the
// channel they were forwarded on.
func TestManager_TwoChannelsNeverCrossDeliver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m := newTestManager()
	tc := attachTestClient(t, ctx, m, 7)

	connResp := m.handleConnect(ctx, 7, ConnectRequest{Destination: "fake://host"})
	require.NotNil(t, connResp.Connected)

	ch1 := m.handleOpenChannel(OpenChannelRequest{Id: connResp.Connected.Id})
	ch2 := m.handleOpenChannel(OpenChannelRequest{Id: connResp.Connected.Id})
	require.NotNil(t, ch1.ChannelOpened)
	require.NotNil(t, ch2.ChannelOpened)
	require.NotEqual(t, ch1.ChannelOpened.Id, ch2.ChannelOpened.Id)

	env1, env2 := protocol.NewId(), protocol.NewId()
	req1, req2 := protocol.NewId(), protocol.NewId()

	m.handleChannel(ctx, 7, env1, ChannelRequest{Id: ch1.ChannelOpened.Id, Request: protocol.UntypedRequest{Id: req1, Payload: cborPayload(t, "on-channel-1")}})
	m.handleChannel(ctx, 7, env2, ChannelRequest{Id: ch2.ChannelOpened.Id, Request: protocol.UntypedRequest{Id: req2, Payload: cborPayload(t, "on-channel-2")}})

	seen := map[protocol.Id]wireResponse{}
	for i := 0; i < 2; i++ {
		wr := tc.await(t, 2*time.Second)
		seen[wr.OriginId] = wr
	}

	first, ok := seen[env1]
	require.True(t, ok)
	require.Equal(t, ch1.ChannelOpened.Id, first.Payload.Channel.Id)
	require.Equal(t, "on-channel-1", decodePayload(t, first.Payload.Channel.Response.Payload))
	require.Equal(t, req1, first.Payload.Channel.Response.OriginId)

	second, ok := seen[env2]
	require.True(t, ok)
	require.Equal(t, ch2.ChannelOpened.Id, second.Payload.Channel.Id)
	require.Equal(t, "on-channel-2", decodePayload(t, second.Payload.Channel.Response.Payload))
	require.Equal(t, req2, second.Payload.Channel.Response.OriginId)
}

// TestManager_CloseChannelRejectsReuse checks that reusing a
// ChannelId after CloseChannel on the same connection is rejected.
func TestManager_CloseChannelRejectsReuse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m := newTestManager()
	attachTestClient(t, ctx, m, 1)
	connResp := m.handleConnect(ctx, 1, ConnectRequest{Destination: "fake://host"})
	require.NotNil(t, connResp.Connected)

	ch := m.handleOpenChannel(OpenChannelRequest{Id: connResp.Connected.Id})
	require.NotNil(t, ch.ChannelOpened)

	closeResp := m.handleCloseChannel(CloseChannelRequest{Id: ch.ChannelOpened.Id})
	require.Nil(t, closeResp.Error)

	reuse := m.handleChannel(ctx, 1, protocol.NewId(), ChannelRequest{
		Id:      ch.ChannelOpened.Id,
		Request: protocol.UntypedRequest{Id: protocol.NewId(), Payload: cborPayload(t, "too-late")},
	})
	require.NotNil(t, reuse.Error)
	require.Equal(t, ErrChannelReuse, reuse.Error)
}

func TestManager_OpenChannelOnUnknownConnectionIsNotFound(t *testing.T) {
	m := newTestManager()
	resp := m.handleOpenChannel(OpenChannelRequest{Id: protocol.NewConnectionId()})
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.KindNotFound, resp.Error.Kind)
}

func TestManager_VersionReportsRegisteredSchemes(t *testing.T) {
	m := newTestManager()
	resp := m.handleVersion()
	require.NotNil(t, resp.Version)
	require.Contains(t, resp.Version.Capabilities, "fake")
	require.Equal(t, ProtocolVersion[0], resp.Version.Major)
}

func TestManager_ListAndKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m := newTestManager()
	attachTestClient(t, ctx, m, 1)
	connResp := m.handleConnect(ctx, 1, ConnectRequest{Destination: "fake://someplace"})
	require.NotNil(t, connResp.Connected)

	list := m.handleList()
	require.NotNil(t, list.List)
	require.Len(t, list.List.Connections, 1)
	require.Equal(t, connResp.Connected.Id, list.List.Connections[0].Id)

	kill := m.handleKill(KillRequest{Id: connResp.Connected.Id})
	require.Nil(t, kill.Error)

	list2 := m.handleList()
	require.Empty(t, list2.List.Connections)
}
