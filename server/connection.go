package server

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/session"
	"github.com/distantsys/distant/wire"
)

// connection owns a single authenticated FramedTransport: a reader
// task feeding the dispatcher, and a writer task multiplexing replies
// from every in-flight handler back onto the wire.
type connection struct {
	id      protocol.ConnectionId
	ft      *wire.FramedTransport
	log     *log.Logger
	state   *session.State
	handler Handler
	metrics *Metrics

	out       chan protocol.TypedResponse
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(id protocol.ConnectionId, ft *wire.FramedTransport, state *session.State, handler Handler, metrics *Metrics, logger *log.Logger) *connection {
	return &connection{
		id:      id,
		ft:      ft,
		log:     logger.With("conn_id", id),
		state:   state,
		handler: handler,
		metrics: metrics,
		out:     make(chan protocol.TypedResponse, 256),
		done:    make(chan struct{}),
	}
}

// run drives the connection until its transport closes or ctx is
// done, then kills non-detached processes and drops watch
// subscriptions owned by the connection.
func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	close(c.done)
	c.wg.Wait() // let in-flight handler goroutines finish sending before cleanup
	c.state.Processes.DropConnection(c.id)
	c.state.Watches.DropConnection(c.id)
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		raw, err := c.ft.ReadFrame(ctx)
		if err != nil {
			c.log.Debug("connection closed", "err", err)
			return
		}

		var req protocol.TypedRequest
		if err := cbor.Unmarshal(raw, &req); err != nil {
			c.log.Warn("dropping malformed request frame", "err", err)
			continue
		}
		c.metrics.RequestsTotal.Inc()

		c.wg.Add(1)
		go c.dispatch(ctx, req)
	}
}

func (c *connection) dispatch(ctx context.Context, req protocol.TypedRequest) {
	defer c.wg.Done()

	reply := session.ReplyFunc(func(resp protocol.DomainResponse) {
		select {
		case c.out <- protocol.TypedResponse{Id: protocol.NewId(), OriginId: req.Id, Payload: resp}:
		case <-c.done:
		}
	})

	rc := &RequestContext{ConnectionId: c.id, Request: req, Reply: reply}
	if err := c.handler(ctx, rc); err != nil {
		c.metrics.HandlerErrorsTotal.Inc()
		reply.Send(protocol.DomainResponse{Error: protocol.Wrap(protocol.KindOther, err)})
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case resp := <-c.out:
			b, err := cbor.Marshal(resp)
			if err != nil {
				c.log.Warn("failed to marshal response", "err", err)
				continue
			}
			if err := c.ft.WriteFrame(ctx, b); err != nil {
				c.log.Debug("write failed, closing", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.ft.Close()
	})
}
