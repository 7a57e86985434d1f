// Package nats runs an in-process NATS server with JetStream enabled.
// The worker uses it when no external NATS URL is configured; tests use it everywhere.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	readyTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// EmbeddedServer wraps an embedded NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// Option configures the embedded server.
type Option func(*config)

type config struct {
	opts   server.Options
	logger *slog.Logger
}

// WithHost sets the listen host. Defaults to 127.0.0.1.
func WithHost(host string) Option {
	return func(c *config) {
		c.opts.Host = host
	}
}

// WithPort sets the client port. -1 picks a random free port.
func WithPort(port int) Option {
	return func(c *config) {
		c.opts.Port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a temp directory.
func WithStoreDir(dir string) Option {
	return func(c *config) {
		c.opts.StoreDir = dir
	}
}

// WithToken requires clients to authenticate with token.
func WithToken(token string) Option {
	return func(c *config) {
		c.opts.Authorization = token
	}
}

// WithUserPassword requires clients to authenticate with user and password.
func WithUserPassword(user, password string) Option {
	return func(c *config) {
		c.opts.Username = user
		c.opts.Password = password
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...Option) (*EmbeddedServer, error) {
	cfg := &config{
		opts: server.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
			NoSigs:    true,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s, err := server.NewServer(&cfg.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("server not ready after %s", readyTimeout)
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: cfg.logger,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits up to five seconds for it to finish.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			e.logger.Warn("NATS server shutdown timed out", "timeout", shutdownTimeout)
		}
	})
}

// Healthy reports an error unless the server is running with JetStream.
func (e *EmbeddedServer) Healthy() error {
	if !e.server.Running() {
		return fmt.Errorf("nats server not running")
	}
	if !e.server.JetStreamEnabled() {
		return fmt.Errorf("jetstream disabled")
	}
	return nil
}

// ConnectToEmbedded connects to an embedded NATS server and returns a client.
func ConnectToEmbedded(srv *EmbeddedServer, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(srv.URL(), opts...)
}
