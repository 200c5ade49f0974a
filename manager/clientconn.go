package manager

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/wire"
)

// clientConn is one local client's connection to the manager: a
// single-reader/single-writer task exactly like server/connection.go,
// but decoding/encoding the manager's own Request/Response schema
// instead of the domain one.
type clientConn struct {
	id  uint64
	ft  *wire.FramedTransport
	mgr *Manager
	log *log.Logger

	out       chan wireResponse
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClientConn(id uint64, ft *wire.FramedTransport, mgr *Manager, logger *log.Logger) *clientConn {
	return &clientConn{
		id:   id,
		ft:   ft,
		mgr:  mgr,
		log:  logger.With("client_id", id),
		out:  make(chan wireResponse, 256),
		done: make(chan struct{}),
	}
}

func (c *clientConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	close(c.done)
	c.wg.Wait()
	c.close()
}

func (c *clientConn) readLoop(ctx context.Context) {
	for {
		raw, err := c.ft.ReadFrame(ctx)
		if err != nil {
			c.log.Debug("client connection closed", "err", err)
			return
		}
		var req wireRequest
		if err := cbor.Unmarshal(raw, &req); err != nil {
			c.log.Warn("dropping malformed manager request", "err", err)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			resp := c.mgr.handle(ctx, c.id, req.Id, req.Payload)
			if req.Payload.Authenticate != nil {
				// An answer to a relayed auth callback is consumed by the
				// waiting relay and gets no reply of its own.
				return
			}
			c.send(req.Id, resp)
		}()
	}
}

func (c *clientConn) writeLoop(ctx context.Context) {
	for {
		select {
		case resp := <-c.out:
			b, err := cbor.Marshal(resp)
			if err != nil {
				c.log.Warn("failed to marshal manager response", "err", err)
				continue
			}
			if err := c.ft.WriteFrame(ctx, b); err != nil {
				c.log.Debug("manager write failed, closing", "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// send queues resp tagged with originID for delivery; used both for
// direct request replies and for asynchronous relay/forward
// traffic.
func (c *clientConn) send(originID protocol.Id, resp Response) {
	select {
	case c.out <- wireResponse{Id: protocol.NewId(), OriginId: originID, Payload: resp}:
	case <-c.done:
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.ft.Close()
	})
}
