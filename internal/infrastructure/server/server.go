// Package server implements the public side of the reverse tunnel: the
// control-channel endpoint, per-session tunnels with their public
// listeners, and the request/response correlation machinery.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
	"github.com/tunl-sh/tunl/internal/infrastructure/transport"
)

// ControlPath is the websocket endpoint clients dial to open a control
// channel.
const ControlPath = "/tunnel"

// Config carries the tunable parameters of the control server.
type Config struct {
	// ControlPort is the port the control endpoint listens on.
	ControlPort int
	// PublicHost is the hostname advertised in public tunnel URLs.
	PublicHost string
	// RequestTimeout bounds how long a public HTTP request waits for the
	// origin's reply.
	RequestTimeout time.Duration
	// PendingLimit is the high-water mark on in-flight requests per
	// session; above it new public requests are rejected with 503.
	PendingLimit int
	// Clock drives pending deadlines; a fake clock is injected in tests.
	Clock clockwork.Clock
}

// DefaultConfig returns the stock server configuration.
func DefaultConfig() Config {
	return Config{
		ControlPort:    7000,
		PublicHost:     "localhost",
		RequestTimeout: 30 * time.Second,
		PendingLimit:   1024,
		Clock:          clockwork.NewRealClock(),
	}
}

// ControlServer accepts control-channel connections and runs one Session
// per connected client.
type ControlServer struct {
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener
	logger   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewControlServer creates a control server with the given configuration.
func NewControlServer(cfg Config, logger *logging.Logger) *ControlServer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &ControlServer{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ControlPath, s.handleTunnel)
	s.srv = &http.Server{Handler: mux}
	return s
}

// Start binds the control port and begins accepting clients in the
// background.
func (s *ControlServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("failed to bind control port %d: %w", s.cfg.ControlPort, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server stopped", logging.Fields{"error": err.Error()})
		}
	}()

	s.logger.Info("control server listening", logging.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound control address, for callers that asked for an
// ephemeral port.
func (s *ControlServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SessionCount returns the number of live sessions.
func (s *ControlServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Registry exposes the port map, primarily for tests.
func (s *ControlServer) Registry() *Registry {
	return s.registry
}

// Shutdown closes every session, waits for their teardown within the
// context deadline, then stops the control listener.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.channel.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs error
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	errs = multierr.Append(errs, s.srv.Shutdown(ctx))
	return errs
}

// handleTunnel upgrades an inbound control connection and runs its
// session until the channel terminates.
func (s *ControlServer) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	channel := transport.NewChannel(conn, s.logger)
	sess := newSession(channel, s.registry, s.cfg, s.logger)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
		sess.run()
	}()
}
