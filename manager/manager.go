package manager

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

// ProtocolVersion is the wire protocol's Major.Minor.Patch triplet;
// servers must reject clients whose major differs.
var ProtocolVersion = [3]uint32{0, 1, 0}

// ErrChannelReuse rejects a ChannelId reused after CloseChannel on
// the same connection.
var ErrChannelReuse = protocol.New(protocol.KindInvalidInput, "channel id reused after close")

// Config configures a Manager.
type Config struct {
	Wire   wire.Config
	Cache  *Cache // may be nil to disable persisted state
	Logger *log.Logger
}

type channelBinding struct {
	conn   protocol.ConnectionId
	closed bool
}

// Manager is the connection registry and router: it
// owns every authenticated connection to a remote distant server,
// issues client-facing channels multiplexed over them, and brokers
// authentication callbacks via the relay in relay.go.
type Manager struct {
	cfg Config
	log *log.Logger

	mu          sync.Mutex
	connections map[protocol.ConnectionId]*remoteConnection
	channels    map[protocol.ChannelId]*channelBinding
	clients     map[uint64]*clientConn

	plugins map[string]Plugin

	pendingMu sync.Mutex
	pending   map[uint64]chan auth.Message
}

// New constructs a Manager with the given plugins registered by every
// scheme they declare.
func New(cfg Config, plugins ...Plugin) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		cfg:         cfg,
		log:         logger.With("component", "manager"),
		connections: make(map[protocol.ConnectionId]*remoteConnection),
		channels:    make(map[protocol.ChannelId]*channelBinding),
		clients:     make(map[uint64]*clientConn),
		plugins:     make(map[string]Plugin),
		pending:     make(map[uint64]chan auth.Message),
	}
	for _, p := range plugins {
		for _, scheme := range p.Schemes() {
			m.plugins[scheme] = p
		}
	}
	return m
}

// Serve accepts client connections from ln until ctx is cancelled or
// ln closes.
func (m *Manager) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		t, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go m.onAcceptClient(ctx, t)
	}
}

func (m *Manager) onAcceptClient(ctx context.Context, t transport.Transport) {
	ft, err := wire.NewServerFramed(ctx, t, m.cfg.Wire)
	if err != nil {
		m.log.Warn("client handshake failed", "err", err)
		return
	}
	id := randID()
	cc := newClientConn(id, ft, m, m.log)

	m.mu.Lock()
	m.clients[id] = cc
	m.mu.Unlock()

	cc.run(ctx)

	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

func randID() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (m *Manager) registerPending() (uint64, chan auth.Message) {
	ch := make(chan auth.Message, 1)
	id := randID()
	m.pendingMu.Lock()
	for {
		if _, exists := m.pending[id]; !exists {
			break
		}
		id = randID()
	}
	m.pending[id] = ch
	m.pendingMu.Unlock()
	return id, ch
}

func (m *Manager) removePending(id uint64) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

// resolvePending delivers msg to the pending relay round-trip keyed by
// id, if any is still outstanding.
func (m *Manager) resolvePending(id uint64, msg auth.Message) bool {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	m.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

func (m *Manager) sendAuthenticateToClient(clientID uint64, id uint64, msg auth.Message) error {
	return m.sendToClient(clientID, protocol.Id(0), Response{Authenticate: &AuthenticateMsg{Id: id, Msg: msg}})
}

func (m *Manager) sendToClient(clientID uint64, originID protocol.Id, resp Response) error {
	m.mu.Lock()
	cc, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: client %d no longer connected", clientID)
	}
	cc.send(originID, resp)
	return nil
}

// handle dispatches one client request to completion, returning the
// single Response to send back under the same origin id, except for
// Connect/Launch's Authenticate relay traffic, which the relay itself
// writes directly via sendAuthenticateToClient, tagged with origin 0
// (fire-and-forget envelope, not associated with the original
// request's mailbox).
func (m *Manager) handle(ctx context.Context, clientID uint64, envelopeID protocol.Id, req Request) Response {
	switch {
	case req.Version != nil:
		return m.handleVersion()

	case req.Launch != nil:
		return m.handleLaunch(ctx, clientID, *req.Launch)

	case req.Connect != nil:
		return m.handleConnect(ctx, clientID, *req.Connect)

	case req.OpenChannel != nil:
		return m.handleOpenChannel(*req.OpenChannel)

	case req.Channel != nil:
		return m.handleChannel(ctx, clientID, envelopeID, *req.Channel)

	case req.CloseChannel != nil:
		return m.handleCloseChannel(*req.CloseChannel)

	case req.Authenticate != nil:
		m.resolvePending(req.Authenticate.Id, req.Authenticate.Msg)
		return Response{Ok: &protocol.Ok{}}

	case req.Info != nil:
		return m.handleInfo(*req.Info)

	case req.List != nil:
		return m.handleList()

	case req.Kill != nil:
		return m.handleKill(*req.Kill)

	default:
		return Response{Error: protocol.New(protocol.KindInvalidInput, "empty manager request")}
	}
}

func (m *Manager) handleVersion() Response {
	caps := make([]string, 0, len(m.plugins))
	seen := make(map[string]struct{})
	for scheme := range m.plugins {
		if _, ok := seen[scheme]; ok {
			continue
		}
		seen[scheme] = struct{}{}
		caps = append(caps, scheme)
	}
	return Response{Version: &VersionResponse{
		Major: ProtocolVersion[0], Minor: ProtocolVersion[1], Patch: ProtocolVersion[2],
		BuildVersion: versioninfo.Short(),
		Capabilities: caps,
	}}
}

func (m *Manager) handleLaunch(ctx context.Context, clientID uint64, req LaunchRequest) Response {
	dest, err := ParseDestination(req.Destination, "ssh")
	if err != nil {
		return Response{Error: protocol.Wrap(protocol.KindInvalidInput, err)}
	}
	plugin, ok := m.plugins[dest.Scheme]
	if !ok {
		return Response{Error: protocol.New(protocol.KindUnsupported, "no plugin for scheme %q", dest.Scheme)}
	}
	authn := newRelay(m, clientID)
	launched, err := plugin.Launch(ctx, dest, req.Options, authn)
	if err != nil {
		return Response{Error: protocol.Wrap(protocol.KindOther, err)}
	}
	return Response{Launched: &LaunchedResponse{Destination: launched.String()}}
}

func (m *Manager) handleConnect(ctx context.Context, clientID uint64, req ConnectRequest) Response {
	dest, err := ParseDestination(req.Destination, "distant")
	if err != nil {
		return Response{Error: protocol.Wrap(protocol.KindInvalidInput, err)}
	}
	plugin, ok := m.plugins[dest.Scheme]
	if !ok {
		return Response{Error: protocol.New(protocol.KindUnsupported, "no plugin for scheme %q", dest.Scheme)}
	}

	authn := newRelay(m, clientID)
	t, err := plugin.Connect(ctx, dest, req.Options, authn)
	if err != nil {
		return Response{Error: protocol.Wrap(protocol.KindConnectionRefused, err)}
	}

	ft, err := wire.NewClientFramed(ctx, t, m.cfg.Wire)
	if err != nil {
		return Response{Error: protocol.Wrap(protocol.KindInvalidData, err)}
	}

	// The authenticator is always re-initialized from scratch,
	// never reused across connections.
	handler := newRelay(m, clientID)
	_, err = auth.Authenticate(ctx, ft, handler)
	if err != nil {
		ft.Close()
		kind := protocol.KindPermissionDenied
		if !auth.IsFatal(err) {
			kind = protocol.KindOther
		}
		return Response{Error: protocol.Wrap(kind, err)}
	}

	id := protocol.NewConnectionId()
	rc := newRemoteConnection(id, dest.String(), handler.method, ft, m)

	m.mu.Lock()
	m.connections[id] = rc
	m.mu.Unlock()

	go rc.run(ctx)

	if m.cfg.Cache != nil {
		m.cfg.Cache.SetSelectedConnectionId(uint64(id))
		m.cfg.Cache.Save()
	}

	return Response{Connected: &ConnectedResponse{Id: id}}
}

func (m *Manager) handleOpenChannel(req OpenChannelRequest) Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[req.Id]; !ok {
		return Response{Error: protocol.New(protocol.KindNotFound, "no such connection %d", req.Id)}
	}
	chID := protocol.NewChannelId()
	m.channels[chID] = &channelBinding{conn: req.Id}
	return Response{ChannelOpened: &ChannelOpenedResponse{Id: chID}}
}

func (m *Manager) handleCloseChannel(req CloseChannelRequest) Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.channels[req.Id]
	if !ok {
		return Response{Error: protocol.New(protocol.KindNotFound, "no such channel %d", req.Id)}
	}
	b.closed = true
	if rc, ok := m.connections[b.conn]; ok {
		rc.forgetChannel(req.Id)
	}
	return Response{Ok: &protocol.Ok{}}
}

func (m *Manager) handleChannel(ctx context.Context, clientID uint64, envelopeID protocol.Id, req ChannelRequest) Response {
	m.mu.Lock()
	b, ok := m.channels[req.Id]
	if ok && b.closed {
		m.mu.Unlock()
		return Response{Error: ErrChannelReuse}
	}
	if !ok {
		m.mu.Unlock()
		return Response{Error: protocol.New(protocol.KindNotFound, "no such channel %d", req.Id)}
	}
	rc, ok := m.connections[b.conn]
	m.mu.Unlock()
	if !ok {
		return Response{Error: protocol.New(protocol.KindNotFound, "connection for channel %d is gone", req.Id)}
	}

	rc.forward(clientID, envelopeID, req.Id, req.Request)
	return Response{Ok: &protocol.Ok{}}
}

func (m *Manager) handleInfo(req InfoRequest) Response {
	m.mu.Lock()
	rc, ok := m.connections[req.Id]
	m.mu.Unlock()
	if !ok {
		return Response{Error: protocol.New(protocol.KindNotFound, "no such connection %d", req.Id)}
	}
	return Response{Info: &InfoResponse{Id: rc.id, Destination: rc.destination, AuthMethod: rc.authMethod}}
}

func (m *Manager) handleList() Response {
	m.mu.Lock()
	out := make([]InfoResponse, 0, len(m.connections))
	for _, rc := range m.connections {
		out = append(out, InfoResponse{Id: rc.id, Destination: rc.destination, AuthMethod: rc.authMethod})
	}
	m.mu.Unlock()
	return Response{List: &ListResponse{Connections: out}}
}

func (m *Manager) handleKill(req KillRequest) Response {
	m.mu.Lock()
	rc, ok := m.connections[req.Id]
	delete(m.connections, req.Id)
	m.mu.Unlock()
	if !ok {
		return Response{Error: protocol.New(protocol.KindNotFound, "no such connection %d", req.Id)}
	}
	rc.close()
	return Response{Ok: &protocol.Ok{}}
}
