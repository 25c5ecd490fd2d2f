package client

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
	"github.com/tunl-sh/tunl/internal/infrastructure/transport"
)

// registerWait bounds how long the client waits for the server's answer
// to a registration request.
const registerWait = 10 * time.Second

// Config carries the client's tunnel parameters.
type Config struct {
	// LocalPort is where the origin service listens.
	LocalPort int
	// PublicPort is the public port requested from the server.
	PublicPort int
	// Protocol selects the tunnel shape.
	Protocol domain.Protocol
	// ServerHost and ControlPort locate the server's control endpoint.
	ServerHost  string
	ControlPort int
	// ReconnectBackoff is the fixed wait between redial attempts after
	// the control channel drops.
	ReconnectBackoff time.Duration
}

// DefaultConfig returns the stock client configuration.
func DefaultConfig() Config {
	return Config{
		LocalPort:        3000,
		PublicPort:       5000,
		Protocol:         domain.ProtocolHTTP,
		ServerHost:       "localhost",
		ControlPort:      7000,
		ReconnectBackoff: 5 * time.Second,
	}
}

// RegistrationError is a terminal registration rejection from the
// server (port collision, bind failure). The client does not retry it.
type RegistrationError struct {
	Message string
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Message)
}

// Supervisor keeps one tunnel alive: dial, register, dispatch, and on
// control-channel loss redial after a fixed back-off. No request state
// survives a reconnect; in-flight origin calls are abandoned and their
// late replies die with the stale channel.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger
}

// NewSupervisor creates a supervisor for the given tunnel parameters.
func NewSupervisor(cfg Config, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run supervises the tunnel until the context is cancelled or the server
// rejects the registration.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)

		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("control channel lost, reconnecting", logging.Fields{
				"error":   err.Error(),
				"backoff": s.cfg.ReconnectBackoff.String(),
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectBackoff):
		}
	}
}

// runOnce performs one connect-register-dispatch cycle. It returns when
// the control channel terminates.
func (s *Supervisor) runOnce(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d%s", s.cfg.ServerHost, s.cfg.ControlPort, controlPath)
	channel, err := transport.Dial(ctx, url, s.logger)
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()

	// Close the channel when the context goes away so Run unblocks.
	go func() {
		select {
		case <-ctx.Done():
			_ = channel.Close()
		case <-channel.Done():
		}
	}()

	register := domain.NewRegister(s.cfg.LocalPort, s.cfg.PublicPort, s.cfg.Protocol)
	if err := channel.Send(register); err != nil {
		return err
	}

	if err := s.awaitRegistered(ctx, channel); err != nil {
		return err
	}

	dispatcher := NewDispatcher(s.cfg.LocalPort, channel, s.logger)
	dispatcher.Run()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("control channel closed")
}

// awaitRegistered consumes the first frame of the session, which must be
// the server's answer to our Register.
func (s *Supervisor) awaitRegistered(ctx context.Context, channel *transport.Channel) error {
	select {
	case frame, ok := <-channel.Frames():
		if !ok {
			return errors.New("control channel closed during registration")
		}
		switch f := frame.(type) {
		case *domain.Registered:
			s.logger.Info("tunnel registered", logging.Fields{
				"session_id": f.SessionID,
				"public_url": f.PublicURL,
				"local_port": f.LocalPort,
				"protocol":   f.Protocol,
			})
			return nil
		case *domain.ErrorFrame:
			return &RegistrationError{Message: f.Message}
		default:
			return errors.Errorf("unexpected %s frame during registration", frame.FrameKind())
		}
	case <-time.After(registerWait):
		return errors.New("timed out waiting for registration reply")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// controlPath mirrors the server's websocket endpoint.
const controlPath = "/tunnel"
