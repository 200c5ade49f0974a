package mux

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

// runEchoServer drives a minimal hand-rolled peer over the client's own
// wire shape (protocol.Request/Response) so these tests exercise Client
// in isolation from the server package. multi, when > 1, makes it
// reply multi times per request, exercising the multi-response mailbox
// path. Everything runs on its own goroutine since the handshake and
// authentication block until the client side performs its half.
func runEchoServer(ctx context.Context, raw transport.Transport, multi int) {
	go func() {
		ft, err := wire.NewServerFramed(ctx, raw, wire.DefaultConfig())
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
			var req protocol.Request
			if err := cbor.Unmarshal(raw, &req); err != nil {
				continue
			}
			n := multi
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				resp := protocol.Response{Id: protocol.NewId(), OriginId: req.Id, Payload: req.Payload}
				b, _ := cbor.Marshal(resp)
				if err := ft.WriteFrame(ctx, b); err != nil {
					return
				}
			}
		}
	}()
}

func dialPair(t *testing.T, ctx context.Context, handler auth.Handler, multi int) *Client {
	t.Helper()
	serverSide, clientSide := transport.NewMemPair(64)
	runEchoServer(ctx, serverSide, multi)

	c, err := Dial(ctx, clientSide, Config{
		WireConfig:     wire.DefaultConfig(),
		HandlerFactory: func([]byte) auth.Handler { return handler },
	})
	require.NoError(t, err)
	return c
}

func noneHandler() auth.Handler {
	return auth.NewStaticHandler([]string{auth.MethodNone}, "", nil)
}

// Scenario 1: Send round-trips a single request/response.
func TestClient_SendEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := dialPair(t, ctx, noneHandler(), 1)
	defer c.Shutdown()

	resp, err := c.Send(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Payload)
}

// Scenario 2: Mail delivers every response sharing an
// origin id in emission order, then times out once drained.
func TestClient_MailDeliversInOrderThenTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := dialPair(t, ctx, noneHandler(), 3)
	defer c.Shutdown()

	box, err := c.Mail(ctx, "msg")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, ok, err := box.NextTimeout(time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "msg", resp.Payload)
	}

	_, ok, err := box.NextTimeout(250 * time.Millisecond)
	require.Error(t, err)
	require.False(t, ok)
}

func TestClient_Fire_RoutesToBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := dialPair(t, ctx, noneHandler(), 1)
	defer c.Shutdown()

	require.NoError(t, c.Fire(ctx, "fire-and-forget"))

	select {
	case v := <-c.Broadcast():
		resp, ok := v.(protocol.Response)
		require.True(t, ok)
		require.Equal(t, "fire-and-forget", resp.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a broadcast response")
	}
}

func TestClient_Shutdown_ClosesOutstandingMailboxes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// multi=0 with a request never actually written: install a mailbox
	// that the server will never answer, by shutting down before a
	// response can arrive isn't deterministic, so instead verify the
	// documented contract directly against the post office.
	c := dialPair(t, ctx, noneHandler(), 0)
	id := protocol.NewId()
	box := c.post.install(id, 1)

	c.Shutdown()

	_, ok, err := box.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok, "Shutdown must close outstanding mailboxes as end-of-stream")
}

func TestClient_SendAfterShutdown_ReturnsErrClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := dialPair(t, ctx, noneHandler(), 1)
	c.Shutdown()

	_, err := c.Send(ctx, "anything")
	require.ErrorIs(t, err, ErrClosed)
}

// TestPostOffice_OriginRouting checks origin routing:
// every delivered response's OriginId matches a prior request id, and
// no mailbox is ever delivered to twice for one response.
func TestPostOffice_OriginRouting(t *testing.T) {
	po := newPostOffice()
	id := protocol.Id(123)
	box := po.install(id, 4)

	po.deliver(protocol.Response{OriginId: id, Payload: "a"})
	po.deliver(protocol.Response{OriginId: protocol.Id(999), Payload: "unrouted"})
	po.deliver(protocol.Response{OriginId: id, Payload: "b"})

	first, ok, err := box.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", first.Payload)

	second, ok, err := box.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", second.Payload)

	select {
	case v := <-po.Broadcast():
		resp := v.(protocol.Response)
		require.Equal(t, "unrouted", resp.Payload)
	default:
		t.Fatal("expected the unrouted response on broadcast")
	}
}

func TestFixedIntervalStrategy_RespectsMaxRetries(t *testing.T) {
	s := FixedIntervalStrategy{Interval: time.Millisecond, MaxRetries: 2}
	_, ok := s.Next(1)
	require.True(t, ok)
	_, ok = s.Next(2)
	require.True(t, ok)
	_, ok = s.Next(3)
	require.False(t, ok)
}

func TestExponentialBackoffStrategy_CapsAtMax(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: time.Millisecond, Factor: 10, Max: 5 * time.Millisecond}
	d, ok := s.Next(5)
	require.True(t, ok)
	require.LessOrEqual(t, d, 5*time.Millisecond)
}

func TestFailStrategy_NeverRetries(t *testing.T) {
	_, ok := FailStrategy{}.Next(1)
	require.False(t, ok)
}
