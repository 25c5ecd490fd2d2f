// Package tunnel provides the public API for running a reverse tunnel
// server or client.
package tunnel

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/client"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
	"github.com/tunl-sh/tunl/internal/infrastructure/server"
)

// probeTimeout bounds the client's start-up check of the origin service.
const probeTimeout = 3 * time.Second

// ServerConfig configures a tunnel server.
type ServerConfig struct {
	// ControlPort is where clients dial their control channels.
	ControlPort int
	// PublicHost is the hostname advertised in public tunnel URLs.
	PublicHost string
	// RequestTimeout bounds how long a public HTTP request waits for the
	// origin. Zero means the 30 second default.
	RequestTimeout time.Duration
	// PendingLimit caps in-flight requests per session. Zero means the
	// default of 1024.
	PendingLimit int
	// LogLevel selects the logging verbosity (debug, info, warn, error).
	LogLevel string
}

// Server is a running tunnel server.
type Server struct {
	ctl    *server.ControlServer
	logger *logging.Logger
}

// NewServer creates a tunnel server.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger, err := logging.NewAtLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	serverCfg := server.DefaultConfig()
	if cfg.ControlPort != 0 {
		serverCfg.ControlPort = cfg.ControlPort
	}
	if cfg.PublicHost != "" {
		serverCfg.PublicHost = cfg.PublicHost
	}
	if cfg.RequestTimeout != 0 {
		serverCfg.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.PendingLimit != 0 {
		serverCfg.PendingLimit = cfg.PendingLimit
	}

	return &Server{
		ctl:    server.NewControlServer(serverCfg, logger),
		logger: logger,
	}, nil
}

// Start binds the control endpoint and begins accepting clients.
func (s *Server) Start() error {
	return s.ctl.Start()
}

// Addr returns the bound control address.
func (s *Server) Addr() net.Addr {
	return s.ctl.Addr()
}

// Shutdown closes all sessions and stops the control endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.ctl.Shutdown(ctx)
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	_ = s.logger.Sync()
	return err
}

// ClientConfig configures a tunnel client.
type ClientConfig struct {
	// LocalPort is where the origin service listens.
	LocalPort int
	// PublicPort is the public port requested from the server.
	PublicPort int
	// Protocol is "http" or "tcp".
	Protocol string
	// ServerHost and ControlPort locate the server's control endpoint.
	ServerHost  string
	ControlPort int
	// LogLevel selects the logging verbosity.
	LogLevel string
}

// Client is a supervised tunnel client.
type Client struct {
	cfg    client.Config
	logger *logging.Logger
}

// NewClient validates the configuration and creates a tunnel client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger, err := logging.NewAtLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	protocol, err := domain.ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.Protocol = protocol
	if cfg.LocalPort != 0 {
		clientCfg.LocalPort = cfg.LocalPort
	}
	if cfg.PublicPort != 0 {
		clientCfg.PublicPort = cfg.PublicPort
	}
	if cfg.ServerHost != "" {
		clientCfg.ServerHost = cfg.ServerHost
	}
	if cfg.ControlPort != 0 {
		clientCfg.ControlPort = cfg.ControlPort
	}

	return &Client{cfg: clientCfg, logger: logger}, nil
}

// Run probes the origin service, then supervises the tunnel until the
// context is cancelled or the server rejects the registration.
func (c *Client) Run(ctx context.Context) error {
	if err := client.ProbeOrigin(c.cfg.LocalPort, probeTimeout); err != nil {
		return err
	}

	supervisor := client.NewSupervisor(c.cfg, c.logger)
	err := supervisor.Run(ctx)
	_ = c.logger.Sync()
	return err
}
