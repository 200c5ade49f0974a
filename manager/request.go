// Package manager implements the connection registry, router, and
// auth-relay broker: a process that owns authenticated
// connections to remote distant servers, issues per-client channels
// multiplexed over them, and brokers authentication callbacks between
// a remote server's authenticator and the client that requested the
// connection.
package manager

import (
	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/protocol"
)

// Request is the tagged union of everything a client may ask the
// manager, one pointer field per variant.
type Request struct {
	Version      *VersionRequest      `cbor:"version,omitempty"`
	Launch       *LaunchRequest       `cbor:"launch,omitempty"`
	Connect      *ConnectRequest      `cbor:"connect,omitempty"`
	OpenChannel  *OpenChannelRequest  `cbor:"open_channel,omitempty"`
	Channel      *ChannelRequest      `cbor:"channel,omitempty"`
	CloseChannel *CloseChannelRequest `cbor:"close_channel,omitempty"`
	Authenticate *AuthenticateMsg     `cbor:"authenticate,omitempty"`
	Info         *InfoRequest         `cbor:"info,omitempty"`
	List         *ListRequest         `cbor:"list,omitempty"`
	Kill         *KillRequest         `cbor:"kill,omitempty"`
}

// Response is the response-side tagged union.
type Response struct {
	Version       *VersionResponse       `cbor:"version,omitempty"`
	Launched      *LaunchedResponse      `cbor:"launched,omitempty"`
	Connected     *ConnectedResponse     `cbor:"connected,omitempty"`
	ChannelOpened *ChannelOpenedResponse `cbor:"channel_opened,omitempty"`
	Channel       *ChannelResponse       `cbor:"channel,omitempty"`
	Authenticate  *AuthenticateMsg       `cbor:"authenticate,omitempty"`
	Info          *InfoResponse          `cbor:"info,omitempty"`
	List          *ListResponse          `cbor:"list,omitempty"`
	Ok            *protocol.Ok           `cbor:"ok,omitempty"`
	Error         *protocol.Error        `cbor:"error,omitempty"`
}

// wireRequest/wireResponse are the envelopes actually marshaled on the
// client<->manager transport: an id plus the typed Request/Response
// payload above (mirrors protocol.TypedRequest/TypedResponse, but for
// the manager's own schema rather than the server's domain schema).
type wireRequest struct {
	Id      protocol.Id `cbor:"id"`
	Payload Request     `cbor:"payload"`
}

type wireResponse struct {
	Id       protocol.Id `cbor:"id"`
	OriginId protocol.Id `cbor:"origin_id"`
	Payload  Response    `cbor:"payload"`
}

// VersionRequest asks for the manager's protocol version and feature set.
type VersionRequest struct{}

// VersionResponse carries the protocol version triplet
// plus build metadata and the set of supported capabilities (launch
// schemes, connect schemes).
type VersionResponse struct {
	Major        uint32   `cbor:"major"`
	Minor        uint32   `cbor:"minor"`
	Patch        uint32   `cbor:"patch"`
	BuildVersion string   `cbor:"build_version"`
	Capabilities []string `cbor:"capabilities"`
}

// LaunchRequest asks a plugin to start a remote distant server at
// destination and return where to actually connect.
type LaunchRequest struct {
	Destination string            `cbor:"destination"`
	Options     map[string]string `cbor:"options,omitempty"`
}

// LaunchedResponse carries the (possibly rewritten) destination to
// Connect to next.
type LaunchedResponse struct {
	Destination string `cbor:"destination"`
}

// ConnectRequest asks a plugin to connect to an already-running remote
// distant server at destination.
type ConnectRequest struct {
	Destination string            `cbor:"destination"`
	Options     map[string]string `cbor:"options,omitempty"`
}

// ConnectedResponse carries the freshly allocated ConnectionId.
type ConnectedResponse struct {
	Id protocol.ConnectionId `cbor:"id"`
}

// OpenChannelRequest allocates a new channel bound to an existing
// connection.
type OpenChannelRequest struct {
	Id protocol.ConnectionId `cbor:"id"`
}

// ChannelOpenedResponse carries the freshly allocated ChannelId.
type ChannelOpenedResponse struct {
	Id protocol.ChannelId `cbor:"id"`
}

// ChannelRequest forwards Request to the remote server bound to
// channel Id.
type ChannelRequest struct {
	Id      protocol.ChannelId      `cbor:"id"`
	Request protocol.UntypedRequest `cbor:"request"`
}

// ChannelResponse is one (of possibly many) forwarded responses for a
// ChannelRequest, tagged with the channel it arrived on.
type ChannelResponse struct {
	Id       protocol.ChannelId       `cbor:"id"`
	Response protocol.UntypedResponse `cbor:"response"`
}

// CloseChannelRequest drops a channel; subsequent Channel forwards on
// the same id fail, and reuse of the same id on the same connection
// is rejected with invalid_input.
type CloseChannelRequest struct {
	Id protocol.ChannelId `cbor:"id"`
}

// AuthenticateMsg carries one hop of the auth relay in either
// direction: server->client as a manager Response, client->manager as
// a Request answering it.
type AuthenticateMsg struct {
	Id  uint64       `cbor:"id"`
	Msg auth.Message `cbor:"msg"`
}

// InfoRequest asks for one connection's metadata.
type InfoRequest struct {
	Id protocol.ConnectionId `cbor:"id"`
}

// InfoResponse is one connection's introspection record.
type InfoResponse struct {
	Id          protocol.ConnectionId `cbor:"id"`
	Destination string                `cbor:"destination"`
	AuthMethod  string                `cbor:"auth_method"`
}

// ListRequest asks for every live connection's metadata.
type ListRequest struct{}

// ListResponse enumerates every live connection.
type ListResponse struct {
	Connections []InfoResponse `cbor:"connections"`
}

// KillRequest tears down a connection (and every channel on it).
type KillRequest struct {
	Id protocol.ConnectionId `cbor:"id"`
}
