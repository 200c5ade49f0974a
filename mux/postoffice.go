package mux

import (
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"

	"github.com/distantsys/distant/protocol"
)

// BroadcastCapacity bounds the channel responses fall back to when
// their origin_id has no installed mailbox.
const BroadcastCapacity = 1000

// postOffice routes inbound responses to the mailbox matching their
// OriginId. The map itself is guarded by
// a mutex held only across map operations, never across I/O: the
// reader task's deliver and Send/Mail installing and removing entries
// all take it briefly.
type postOffice struct {
	mu    sync.Mutex
	boxes map[protocol.Id]*Mailbox

	broadcast channels.Channel
}

func newPostOffice() *postOffice {
	return &postOffice{
		boxes:     make(map[protocol.Id]*Mailbox),
		broadcast: channels.NewNativeChannel(channels.BufferCap(BroadcastCapacity)),
	}
}

func (p *postOffice) install(id protocol.Id, capacity int) *Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	box := newMailbox(id, capacity)
	p.boxes[id] = box
	return box
}

func (p *postOffice) remove(id protocol.Id) {
	p.mu.Lock()
	box, ok := p.boxes[id]
	delete(p.boxes, id)
	p.mu.Unlock()
	if ok {
		box.Close()
	}
}

// deliver routes one inbound response. If its OriginId has a live
// mailbox and the non-blocking send succeeds, it goes there. Otherwise
// (unknown id, full mailbox, or a dropped receiver) it removes any
// stale mailbox and falls back to the broadcast channel.
func (p *postOffice) deliver(resp protocol.Response) {
	p.mu.Lock()
	box, ok := p.boxes[resp.OriginId]
	p.mu.Unlock()

	if ok && box.tryDeliver(resp) {
		return
	}
	if ok {
		p.remove(resp.OriginId)
	}
	select {
	case p.broadcast.In() <- resp:
	default:
		// Broadcast itself is full; the oldest unclaimed response is
		// dropped rather than blocking the single reader task.
		select {
		case <-p.broadcast.Out():
		default:
		}
		select {
		case p.broadcast.In() <- resp:
		default:
		}
	}
}

// Broadcast returns the channel responses with no mailbox land on.
func (p *postOffice) Broadcast() <-chan interface{} { return p.broadcast.Out() }

// closeAll closes every live mailbox and the broadcast channel, used
// by Shutdown.
func (p *postOffice) closeAll() {
	p.mu.Lock()
	boxes := make([]*Mailbox, 0, len(p.boxes))
	for id, box := range p.boxes {
		boxes = append(boxes, box)
		delete(p.boxes, id)
	}
	p.mu.Unlock()
	for _, box := range boxes {
		box.Close()
	}
	p.broadcast.Close()
}

// prune periodically removes mailboxes the caller already closed
// (e.g. after a timed-out Send) without waiting for a response to
// arrive and discover it.
func (p *postOffice) prune(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			for id, box := range p.boxes {
				if box.isClosed() {
					delete(p.boxes, id)
				}
			}
			p.mu.Unlock()
		}
	}
}
