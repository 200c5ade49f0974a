package server

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/distantsys/distant/auth"
	"github.com/distantsys/distant/keychain"
	"github.com/distantsys/distant/protocol"
	"github.com/distantsys/distant/session"
	"github.com/distantsys/distant/transport"
	"github.com/distantsys/distant/wire"
)

// Config configures a Server.
type Config struct {
	Listener transport.Listener
	Wire     wire.Config
	Verifier *auth.Verifier
	Keychain *keychain.Keychain // may be nil to disable token issuance
	Handler  Handler
	Shutdown ShutdownPolicy
	Metrics  *Metrics
	Logger   *log.Logger
}

// Server runs the accept loop: bind a listener, and for every
// accepted transport complete the handshake, run server-side
// authentication, then spawn a connection task.
type Server struct {
	cfg   Config
	log   *log.Logger
	state *session.State

	mu     sync.Mutex
	active map[protocol.ConnectionId]*connection
	timer  shutdownTimer
}

// New constructs a Server. state is the single server-owned process/
// watcher table shared across every connection.
func New(cfg Config, state *session.State) *Server {
	if cfg.Shutdown == nil {
		cfg.Shutdown = Never{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = Dispatch(state)
	}
	return &Server{
		cfg:    cfg,
		log:    logger.With("component", "server"),
		state:  state,
		active: make(map[protocol.ConnectionId]*connection),
		timer:  cfg.Shutdown.newTimer(),
	}
}

// Serve runs the accept loop until ctx is cancelled, the listener
// closes, or the shutdown timer fires.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.timer.fire():
			s.log.Info("shutdown timer fired, closing listener")
			s.cfg.Listener.Close()
		case <-ctx.Done():
		}
	}()

	for {
		t, err := s.cfg.Listener.Accept(ctx)
		if err != nil {
			s.closeAll()
			return err
		}
		go s.onAccept(ctx, t)
	}
}

func (s *Server) onAccept(ctx context.Context, t transport.Transport) {
	ft, err := wire.NewServerFramed(ctx, t, s.cfg.Wire)
	if err != nil {
		s.log.Warn("handshake failed", "err", err)
		return
	}

	id := protocol.NewConnectionId()
	var issue auth.TokenIssuer
	if s.cfg.Keychain != nil {
		// The reauthentication method itself is registered on cfg.Verifier
		// by the caller, bound to the same Keychain via
		// auth.NewReauthenticationMethod; this closure only handles
		// persisting freshly issued tokens under this connection's id.
		issue = func(token []byte) error { return s.cfg.Keychain.Put(id, token) }
	}

	if _, err := s.cfg.Verifier.Serve(ctx, ft, issue); err != nil {
		s.log.Warn("authentication failed", "err", err, "conn_id", id)
		ft.Close()
		return
	}

	conn := newConnection(id, ft, s.state, s.cfg.Handler, s.cfg.Metrics, s.log)

	s.mu.Lock()
	s.active[id] = conn
	count := len(s.active)
	s.mu.Unlock()
	s.cfg.Metrics.ActiveConnections.Set(float64(count))
	s.timer.connectionsChanged(count)

	s.log.Info("connection established", "conn_id", id)
	conn.run(ctx)

	if s.cfg.Keychain != nil {
		s.cfg.Keychain.Remove(id)
	}

	s.mu.Lock()
	delete(s.active, id)
	count = len(s.active)
	s.mu.Unlock()
	s.cfg.Metrics.ActiveConnections.Set(float64(count))
	s.timer.connectionsChanged(count)
	s.log.Info("connection closed", "conn_id", id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Shutdown stops accepting and closes every live connection.
func (s *Server) Shutdown() {
	s.timer.stop()
	s.cfg.Listener.Close()
	s.closeAll()
}

// ActiveConnections returns the current live connection count.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// State returns the shared session state, for tests and the manager's
// in-process loopback wiring.
func (s *Server) State() *session.State { return s.state }
