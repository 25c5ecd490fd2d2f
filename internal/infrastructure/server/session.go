package server

import (
	"io"
	"sync"

	"go.uber.org/multierr"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
	"github.com/tunl-sh/tunl/internal/infrastructure/transport"
)

// State is the lifecycle state of a session.
type State string

// Session lifecycle states.
const (
	StateConnected  State = "connected"
	StateRegistered State = "registered"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Session owns everything bound to one live control channel: the tunnel,
// its public listener, the pending table and (for TCP tunnels) the public
// socket registry. The session goroutine is the single consumer of the
// channel's inbound frames.
type Session struct {
	id       string
	channel  *transport.Channel
	registry *Registry
	pending  *PendingTable
	cfg      Config
	logger   *logging.Logger

	mu       sync.Mutex
	state    State
	tunnel   *domain.Tunnel
	listener io.Closer
	tcp      *tcpListener
}

// newSession creates a session for an accepted control channel.
func newSession(channel *transport.Channel, registry *Registry, cfg Config, logger *logging.Logger) *Session {
	id := newID()
	return &Session{
		id:       id,
		channel:  channel,
		registry: registry,
		pending:  NewPendingTable(cfg.Clock, cfg.RequestTimeout, cfg.PendingLimit),
		cfg:      cfg,
		logger:   logger.With(logging.Fields{"session_id": id}),
		state:    StateConnected,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tunnel returns the registered tunnel, if any.
func (s *Session) Tunnel() *domain.Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel
}

// run consumes inbound frames until the channel terminates, then tears
// the session down. It blocks; the control server calls it in a
// goroutine.
func (s *Session) run() {
	defer s.teardown()

	s.logger.Info("session opened")
	for frame := range s.channel.Frames() {
		switch f := frame.(type) {
		case *domain.Register:
			s.handleRegister(f)
		case *domain.HTTPResponse:
			s.handleHTTPResponse(f)
		case *domain.TCPResponse:
			s.handleTCPResponse(f)
		default:
			s.logger.Warn("ignoring unexpected frame", logging.Fields{"type": frame.FrameKind()})
		}
	}
}

// handleRegister runs the registration state machine. A rejection leaves
// the session connected so the client may retry with a different port;
// re-registration on an established tunnel is refused.
func (s *Session) handleRegister(f *domain.Register) {
	s.mu.Lock()
	if s.state == StateRegistered {
		s.mu.Unlock()
		s.sendError("session already has a registered tunnel")
		return
	}
	s.mu.Unlock()

	protocol, err := domain.ParseProtocol(string(f.Protocol))
	if err != nil {
		s.sendError(err.Error())
		return
	}
	tunnel := domain.Tunnel{
		LocalPort:  f.LocalPort,
		PublicPort: f.PublicPort,
		Protocol:   protocol,
	}

	if err := s.registry.Claim(tunnel.PublicPort, s); err != nil {
		s.logger.Warn("registration rejected", logging.Fields{"error": err.Error()})
		s.sendError(err.Error())
		return
	}

	listener, tcp, err := s.bindListener(tunnel)
	if err != nil {
		s.registry.Release(tunnel.PublicPort, s)
		s.logger.Warn("registration rejected", logging.Fields{"error": err.Error()})
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	s.tunnel = &tunnel
	s.listener = listener
	s.tcp = tcp
	s.state = StateRegistered
	s.mu.Unlock()

	publicURL := tunnel.PublicURL(s.cfg.PublicHost)
	if err := s.channel.Send(domain.NewRegistered(s.id, tunnel, publicURL)); err != nil {
		s.logger.Warn("failed to confirm registration", logging.Fields{"error": err.Error()})
		return
	}

	s.logger.Info("tunnel registered", logging.Fields{
		"local_port":  tunnel.LocalPort,
		"public_port": tunnel.PublicPort,
		"protocol":    tunnel.Protocol,
		"public_url":  publicURL,
	})
}

// bindListener binds the public endpoint for the tunnel and starts it.
func (s *Session) bindListener(tunnel domain.Tunnel) (io.Closer, *tcpListener, error) {
	switch tunnel.Protocol {
	case domain.ProtocolTCP:
		l, err := newTCPListener(tunnel.PublicPort, s, s.logger)
		if err != nil {
			return nil, nil, err
		}
		l.Start()
		return l, l, nil
	default:
		l, err := newHTTPListener(tunnel.PublicPort, s, s.logger)
		if err != nil {
			return nil, nil, err
		}
		l.Start()
		return l, nil, nil
	}
}

func (s *Session) handleHTTPResponse(f *domain.HTTPResponse) {
	if !s.pending.Complete(f.RequestID, Result{Response: f}) {
		s.logger.Debug("dropping late reply", logging.Fields{"request_id": f.RequestID})
	}
}

func (s *Session) handleTCPResponse(f *domain.TCPResponse) {
	s.mu.Lock()
	tcp := s.tcp
	s.mu.Unlock()
	if tcp == nil {
		s.logger.Debug("dropping tcp reply without a tcp tunnel", logging.Fields{"request_id": f.RequestID})
		return
	}
	tcp.writeTo(f.SocketID, f.Data)
}

func (s *Session) sendError(message string) {
	if err := s.channel.Send(domain.NewErrorFrame(message)); err != nil {
		s.logger.Debug("failed to send error frame", logging.Fields{"error": err.Error()})
	}
}

// teardown releases everything the session owns: the port mapping, the
// pending entries (completed with a gateway error) and the public
// listener.
func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosing
	tunnel := s.tunnel
	listener := s.listener
	s.listener = nil
	s.tcp = nil
	s.mu.Unlock()

	// Drain before stopping the listener so in-flight handlers complete
	// through the 502 path instead of holding up shutdown.
	s.pending.Drain(domain.NewSessionClosedError(s.id))

	var errs error
	if listener != nil {
		errs = multierr.Append(errs, listener.Close())
	}
	// Release the port only once the listener is unbound so a fresh
	// register can bind it immediately.
	if tunnel != nil {
		s.registry.Release(tunnel.PublicPort, s)
	}
	errs = multierr.Append(errs, s.channel.Close())

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if errs != nil {
		s.logger.Info("session closed", logging.Fields{"error": errs.Error()})
		return
	}
	s.logger.Info("session closed")
}
