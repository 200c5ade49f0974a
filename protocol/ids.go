package protocol

import (
	"crypto/rand"
	"encoding/binary"
)

// ConnectionId identifies one authenticated connection, server-side or
// manager-side.
type ConnectionId uint64

// ChannelId identifies one manager-side logical stream multiplexing a
// client's requests over a single remote connection.
type ChannelId uint32

// ProcessId identifies one spawned process.
type ProcessId uint64

func newRandomId() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("protocol: failed to read random id: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// NewConnectionId draws a fresh random connection id.
func NewConnectionId() ConnectionId { return ConnectionId(newRandomId()) }

// NewChannelId draws a fresh random channel id.
func NewChannelId() ChannelId { return ChannelId(newRandomId()) }

// NewProcessId draws a fresh random process id.
func NewProcessId() ProcessId { return ProcessId(newRandomId()) }
