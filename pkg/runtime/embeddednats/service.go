// Package embeddednats runs an in-process NATS server as a runner.Service.
package embeddednats

import (
	"context"
	"errors"
	"log/slog"

	"github.com/plaenen/subscriptions/pkg/infrastructure/nats"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrNotStarted is returned by HealthCheck before Start succeeded.
var ErrNotStarted = errors.New("nats server not started")

// Service owns an embedded NATS server with JetStream.
type Service struct {
	server      *nats.EmbeddedServer
	logger      *slog.Logger
	tracer      trace.Tracer
	natsOptions []nats.Option
}

// Option configures the NATS service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithNATSOptions sets the options passed to nats.StartEmbeddedServer.
//
//	service := embeddednats.New(
//	    embeddednats.WithNATSOptions(
//	        nats.WithPort(4222),
//	        nats.WithStoreDir("/var/lib/subscriptions/nats"),
//	    ),
//	)
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOptions = append(s.natsOptions, opts...)
	}
}

// New creates a new embedded NATS service.
func New(opts ...Option) *Service {
	s := &Service{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Name() string {
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer func() { observability.EndSpan(span, err) }()

	opts := append([]nats.Option{nats.WithLogger(s.logger)}, s.natsOptions...)
	srv, err := nats.StartEmbeddedServer(opts...)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to start embedded NATS", "error", err)
		return err
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.InfoContext(ctx, "embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts the server down. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.InfoContext(ctx, "embedded NATS server stopped")
	}
	return nil
}

// HealthCheck reports whether the server is running with JetStream.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	if s.server == nil {
		return ErrNotStarted
	}
	return s.server.Healthy()
}

// Server returns the running server, or nil before Start.
func (s *Service) Server() *nats.EmbeddedServer {
	return s.server
}

// URL returns the client URL, or "" before Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
