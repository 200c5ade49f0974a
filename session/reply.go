// Package session holds the global, server-owned process and watcher
// state: a process table keyed by ProcessId plus a per-connection
// index for cleanup, and a watcher table keyed by canonical path.
// Both are plain values owned by the server and handed to each
// connection task by reference, never process-wide mutable statics.
package session

import "github.com/distantsys/distant/protocol"

// Reply is the narrow capability a dispatcher hands to session state
// so it can push zero, one, or many responses back to the connection
// that owns a given origin id, without session needing to know
// anything about framing, transports, or the mux.
type Reply interface {
	Send(protocol.DomainResponse)
}

// ReplyFunc adapts a plain function to Reply.
type ReplyFunc func(protocol.DomainResponse)

func (f ReplyFunc) Send(r protocol.DomainResponse) { f(r) }
