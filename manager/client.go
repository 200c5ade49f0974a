package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

// ClientConfig configures a manager Client.
type ClientConfig struct {
	Wire wire.Config
	// AuthHandler answers authentication callbacks the manager relays
	// from a remote server during Connect/Launch. Required for any use
	// of Connect/Launch against a remote that challenges.
	AuthHandler auth.Handler
	Logger      *log.Logger
}

// Client is a local client's connection to a manager: it issues
// manager requests, pairs their responses by origin id, answers
// relayed authentication callbacks through the configured
// auth.Handler, and routes forwarded channel traffic to the stream
// registered for its channel id.
type Client struct {
	cfg ClientConfig
	ft  *wire.FramedTransport
	log *log.Logger

	mu       sync.Mutex
	pending  map[protocol.Id]chan Response
	channels map[protocol.ChannelId]chan protocol.UntypedResponse
	closed   bool

	out       chan wireRequest
	done      chan struct{}
	closeOnce sync.Once
}

// DialClient connects t to a manager, runs the client-side handshake,
// and returns a running Client.
func DialClient(ctx context.Context, t transport.Transport, cfg ClientConfig) (*Client, error) {
	ft, err := wire.NewClientFramed(ctx, t, cfg.Wire)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		cfg:      cfg,
		ft:       ft,
		log:      logger.With("component", "manager.client"),
		pending:  make(map[protocol.Id]chan Response),
		channels: make(map[protocol.ChannelId]chan protocol.UntypedResponse),
		out:      make(chan wireRequest, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		raw, err := c.ft.ReadFrame(context.Background())
		if err != nil {
			c.Close()
			return
		}
		var wr wireResponse
		if err := cbor.Unmarshal(raw, &wr); err != nil {
			c.log.Warn("dropping malformed manager response", "err", err)
			continue
		}

		switch {
		case wr.Payload.Authenticate != nil:
			go c.answerRelay(wr.Payload.Authenticate)

		case wr.Payload.Channel != nil:
			c.mu.Lock()
			stream, ok := c.channels[wr.Payload.Channel.Id]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case stream <- wr.Payload.Channel.Response:
			default:
				c.log.Warn("channel stream full, dropping response", "channel", wr.Payload.Channel.Id)
			}

		default:
			c.mu.Lock()
			ch, ok := c.pending[wr.OriginId]
			if ok {
				delete(c.pending, wr.OriginId)
			}
			c.mu.Unlock()
			if ok {
				ch <- wr.Payload
			}
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case req := <-c.out:
			b, err := cbor.Marshal(req)
			if err != nil {
				c.log.Warn("failed to marshal manager request", "err", err)
				continue
			}
			if err := c.ft.WriteFrame(context.Background(), b); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// answerRelay drives one relayed authentication callback through the
// configured handler and, when the variant expects an answer, sends it
// back under the same relay id.
func (c *Client) answerRelay(am *AuthenticateMsg) {
	h := c.cfg.AuthHandler
	if h == nil {
		c.log.Warn("relayed auth callback with no AuthHandler configured")
		return
	}
	msg := am.Msg
	var answer *auth.Message
	switch {
	case msg.Initialization != nil:
		selected := h.OnInitialization(msg.Initialization.Methods)
		answer = &auth.Message{InitializationResponse: &auth.InitializationResponse{Methods: selected}}
	case msg.Challenge != nil:
		answers := h.OnChallenge(msg.Challenge.Questions)
		answer = &auth.Message{ChallengeResponse: &auth.ChallengeResponse{Answers: answers}}
	case msg.Verification != nil:
		valid := h.OnVerification(msg.Verification.Kind, msg.Verification.Text)
		answer = &auth.Message{VerificationResponse: &auth.VerificationResponse{Valid: valid}}
	case msg.StartMethod != nil:
		h.OnStartMethod(msg.StartMethod.Id)
	case msg.Info != nil:
		h.OnInfo(msg.Info.Text)
	case msg.Error != nil:
		h.OnError(msg.Error.Kind, msg.Error.Text)
	case msg.Finished != nil:
		h.OnFinished()
	}
	if answer == nil {
		return
	}
	c.enqueue(context.Background(), Request{Authenticate: &AuthenticateMsg{Id: am.Id, Msg: *answer}})
}

func (c *Client) enqueue(ctx context.Context, req Request) (protocol.Id, error) {
	id := protocol.NewId()
	select {
	case c.out <- wireRequest{Id: id, Payload: req}:
		return id, nil
	case <-c.done:
		return 0, fmt.Errorf("manager: client closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// roundTrip sends req and waits for its single direct response.
func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)

	id := protocol.NewId()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("manager: client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case c.out <- wireRequest{Id: id, Payload: req}:
	case <-c.done:
		c.dropPending(id)
		return Response{}, fmt.Errorf("manager: client closed")
	case <-ctx.Done():
		c.dropPending(id)
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-c.done:
		return Response{}, fmt.Errorf("manager: client closed")
	case <-ctx.Done():
		c.dropPending(id)
		return Response{}, ctx.Err()
	}
}

func (c *Client) dropPending(id protocol.Id) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Version fetches the manager's protocol version and capabilities. A
// peer whose major version differs from ours is rejected.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	resp, err := c.roundTrip(ctx, Request{Version: &VersionRequest{}})
	if err != nil {
		return nil, err
	}
	if resp.Version == nil {
		return nil, fmt.Errorf("manager: unexpected version response shape")
	}
	if resp.Version.Major != ProtocolVersion[0] {
		return nil, protocol.New(protocol.KindUnsupported,
			"manager protocol major version %d is incompatible with %d", resp.Version.Major, ProtocolVersion[0])
	}
	return resp.Version, nil
}

// Launch asks the manager to start a remote server at destination and
// returns the rewritten destination to Connect to.
func (c *Client) Launch(ctx context.Context, destination string, options map[string]string) (string, error) {
	resp, err := c.roundTrip(ctx, Request{Launch: &LaunchRequest{Destination: destination, Options: options}})
	if err != nil {
		return "", err
	}
	if resp.Launched == nil {
		return "", fmt.Errorf("manager: unexpected launch response shape")
	}
	return resp.Launched.Destination, nil
}

// Connect asks the manager to establish a connection to destination,
// relaying any authentication challenges through the configured
// AuthHandler, and returns the allocated connection id.
func (c *Client) Connect(ctx context.Context, destination string, options map[string]string) (protocol.ConnectionId, error) {
	resp, err := c.roundTrip(ctx, Request{Connect: &ConnectRequest{Destination: destination, Options: options}})
	if err != nil {
		return 0, err
	}
	if resp.Connected == nil {
		return 0, fmt.Errorf("manager: unexpected connect response shape")
	}
	return resp.Connected.Id, nil
}

// OpenChannel allocates a channel on conn and returns its id together
// with the stream forwarded responses for that channel arrive on.
func (c *Client) OpenChannel(ctx context.Context, conn protocol.ConnectionId) (protocol.ChannelId, <-chan protocol.UntypedResponse, error) {
	resp, err := c.roundTrip(ctx, Request{OpenChannel: &OpenChannelRequest{Id: conn}})
	if err != nil {
		return 0, nil, err
	}
	if resp.ChannelOpened == nil {
		return 0, nil, fmt.Errorf("manager: unexpected open-channel response shape")
	}
	stream := make(chan protocol.UntypedResponse, 256)
	c.mu.Lock()
	c.channels[resp.ChannelOpened.Id] = stream
	c.mu.Unlock()
	return resp.ChannelOpened.Id, stream, nil
}

// Send forwards req over channel. The Ok acknowledgement is awaited;
// the forwarded responses arrive on the channel's stream.
func (c *Client) Send(ctx context.Context, channel protocol.ChannelId, req protocol.UntypedRequest) error {
	_, err := c.roundTrip(ctx, Request{Channel: &ChannelRequest{Id: channel, Request: req}})
	return err
}

// CloseChannel drops channel; its stream is closed.
func (c *Client) CloseChannel(ctx context.Context, channel protocol.ChannelId) error {
	_, err := c.roundTrip(ctx, Request{CloseChannel: &CloseChannelRequest{Id: channel}})
	c.mu.Lock()
	stream, ok := c.channels[channel]
	delete(c.channels, channel)
	c.mu.Unlock()
	if ok {
		close(stream)
	}
	return err
}

// Info fetches one connection's metadata.
func (c *Client) Info(ctx context.Context, conn protocol.ConnectionId) (*InfoResponse, error) {
	resp, err := c.roundTrip(ctx, Request{Info: &InfoRequest{Id: conn}})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("manager: unexpected info response shape")
	}
	return resp.Info, nil
}

// List fetches every live connection's metadata.
func (c *Client) List(ctx context.Context) ([]InfoResponse, error) {
	resp, err := c.roundTrip(ctx, Request{List: &ListRequest{}})
	if err != nil {
		return nil, err
	}
	if resp.List == nil {
		return nil, fmt.Errorf("manager: unexpected list response shape")
	}
	return resp.List.Connections, nil
}

// Kill tears down conn and every channel on it.
func (c *Client) Kill(ctx context.Context, conn protocol.ConnectionId) error {
	_, err := c.roundTrip(ctx, Request{Kill: &KillRequest{Id: conn}})
	return err
}

// Close shuts the client down; every channel stream is closed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]chan protocol.UntypedResponse, 0, len(c.channels))
		for id, stream := range c.channels {
			streams = append(streams, stream)
			delete(c.channels, id)
		}
		c.mu.Unlock()

		close(c.done)
		c.ft.Close()
		for _, stream := range streams {
			close(stream)
		}
	})
}
