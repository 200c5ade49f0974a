package mux

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

// ErrTimeout is returned by Send when no response to its request
// arrives within the silence timeout. The deadline is per request:
// frames for other requests do not extend it.
var ErrTimeout = errors.New("mux: timed out waiting for response")

// ErrClosed is returned by any operation attempted after Shutdown.
var ErrClosed = errors.New("mux: client is shut down")

// HandlerFactory builds a fresh auth.Handler for each (re)connect
// attempt. The authenticator is re-initialized from scratch, never
// persisted across a reconnect.
type HandlerFactory func(cachedToken []byte) auth.Handler

// Config configures a Client.
type Config struct {
	WireConfig     wire.Config
	HandlerFactory HandlerFactory
	Reconnect      ReconnectStrategy
	SilenceTimeout time.Duration
	Logger         *log.Logger
}

// DefaultSilenceTimeout bounds how long Send waits for the response
// to its request before failing with ErrTimeout.
const DefaultSilenceTimeout = 20 * time.Second

type outgoing struct {
	frame []byte
}

// Client is the request/response multiplexer: a
// single reader task, a single writer task, a post office, and a
// reconnect loop. Construct with Dial, or NewClient over an
// already-established *wire.FramedTransport.
type Client struct {
	cfg Config
	log *log.Logger

	mu        sync.Mutex
	ft        *wire.FramedTransport
	token     []byte
	closed    bool
	closeOnce sync.Once

	post *postOffice
	out  chan outgoing
	done chan struct{}

	stopPrune chan struct{}
}

// NewClient wraps an already-authenticated FramedTransport.
func NewClient(ft *wire.FramedTransport, cfg Config) *Client {
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = FailStrategy{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		cfg:       cfg,
		log:       logger,
		ft:        ft,
		post:      newPostOffice(),
		out:       make(chan outgoing, 256),
		done:      make(chan struct{}),
		stopPrune: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	go c.post.prune(c.stopPrune)
	return c
}

// Dial connects t, runs the client handshake and authentication, and
// returns a running Client.
func Dial(ctx context.Context, t transport.Transport, cfg Config) (*Client, error) {
	ft, err := wire.NewClientFramed(ctx, t, cfg.WireConfig)
	if err != nil {
		return nil, err
	}
	handler := cfg.HandlerFactory(nil)
	token, err := auth.Authenticate(ctx, ft, handler)
	if err != nil {
		ft.Close()
		return nil, err
	}
	c := NewClient(ft, cfg)
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return c, nil
}

func (c *Client) readLoop() {
	attempt := 0
	for {
		c.mu.Lock()
		ft := c.ft
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		raw, err := ft.ReadFrame(context.Background())
		if err != nil {
			if c.tryReconnect(&attempt) {
				continue
			}
			c.shutdownInternal()
			return
		}
		attempt = 0

		var resp protocol.Response
		if err := cbor.Unmarshal(raw, &resp); err != nil {
			c.log.Warn("mux: dropping malformed frame", "err", err)
			continue
		}
		c.post.deliver(resp)
	}
}

// tryReconnect attempts to re-establish the connection per the
// configured ReconnectStrategy. Outstanding mailboxes survive iff
// authentication succeeds; requests written but not acknowledged
// across the reconnect are not retransmitted; their mailboxes simply
// time out.
func (c *Client) tryReconnect(attempt *int) bool {
	*attempt++
	delay, ok := c.cfg.Reconnect.Next(*attempt)
	if !ok {
		return false
	}
	if err := sleep(context.Background(), delay); err != nil {
		return false
	}

	c.mu.Lock()
	ft := c.ft
	token := c.token
	c.mu.Unlock()

	ctx := context.Background()
	if err := ft.Underlying().Reconnect(ctx); err != nil {
		c.log.Warn("mux: reconnect dial failed", "err", err)
		return true // let the strategy decide whether to give up, not us
	}
	if err := ft.Rehandshake(ctx, c.cfg.WireConfig, false); err != nil {
		c.log.Warn("mux: reconnect handshake failed", "err", err)
		return true
	}
	handler := c.cfg.HandlerFactory(token)
	newToken, err := auth.Authenticate(ctx, ft, handler)
	if err != nil {
		c.log.Warn("mux: reconnect authentication failed", "err", err)
		return true
	}
	c.mu.Lock()
	c.token = newToken
	c.mu.Unlock()
	c.log.Info("mux: reconnected")
	return true
}

func (c *Client) writeLoop() {
	for {
		select {
		case o := <-c.out:
			c.mu.Lock()
			ft := c.ft
			c.mu.Unlock()
			if err := ft.WriteFrame(context.Background(), o.frame); err != nil {
				c.log.Warn("mux: write failed", "err", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) enqueue(ctx context.Context, req protocol.Request) error {
	b, err := cbor.Marshal(req)
	if err != nil {
		return err
	}
	select {
	case c.out <- outgoing{frame: b}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send allocates an id, installs a single-slot mailbox, writes the
// request, and awaits exactly one response, removing the mailbox
// afterward.
func (c *Client) Send(ctx context.Context, payload interface{}) (protocol.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Response{}, ErrClosed
	}
	c.mu.Unlock()

	id := protocol.NewId()
	box := c.post.install(id, 1)
	defer c.post.remove(id)

	if err := c.enqueue(ctx, protocol.Request{Id: id, Payload: payload}); err != nil {
		return protocol.Response{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.SilenceTimeout)
	defer cancel()
	resp, ok, err := box.Next(timeoutCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.Response{}, ErrTimeout
		}
		return protocol.Response{}, err
	}
	if !ok {
		return protocol.Response{}, ErrClosed
	}
	return resp, nil
}

// Mail allocates an id, installs a bounded mailbox (default capacity
// DefaultMailboxCapacity), writes the request, and returns the mailbox
// for the caller to drain with Next/NextTimeout.
func (c *Client) Mail(ctx context.Context, payload interface{}) (*Mailbox, error) {
	return c.MailCapacity(ctx, payload, DefaultMailboxCapacity)
}

// MailCapacity is Mail with an explicit mailbox capacity.
func (c *Client) MailCapacity(ctx context.Context, payload interface{}, capacity int) (*Mailbox, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	id := protocol.NewId()
	box := c.post.install(id, capacity)
	if err := c.enqueue(ctx, protocol.Request{Id: id, Payload: payload}); err != nil {
		c.post.remove(id)
		return nil, err
	}
	return box, nil
}

// Fire writes the request without installing a mailbox; any response
// is routed to the broadcast channel.
func (c *Client) Fire(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.enqueue(ctx, protocol.Request{Id: protocol.NewId(), Payload: payload})
}

// Broadcast returns responses with no matching mailbox: fire-and-forget
// replies and anything a timed-out Send/Mail missed.
func (c *Client) Broadcast() <-chan interface{} { return c.post.Broadcast() }

// Shutdown closes the transport and drains/closes every mailbox; each
// pending Next call returns end-of-stream.
func (c *Client) Shutdown() {
	c.shutdownInternal()
}

func (c *Client) shutdownInternal() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ft := c.ft
		c.mu.Unlock()

		close(c.stopPrune)
		close(c.done)
		ft.Close()
		c.post.closeAll()
	})
}

// Token returns the reauthentication token most recently issued (nil
// if the configured method set never granted one).
func (c *Client) Token() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// TokenHex is a convenience accessor for handlers that answer
// challenges with a hex string.
func (c *Client) TokenHex() string {
	tok := c.Token()
	if tok == nil {
		return ""
	}
	return hex.EncodeToString(tok)
}
