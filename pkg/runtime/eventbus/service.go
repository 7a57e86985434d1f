// Package eventbus runs the NATS JetStream event bus as a runner.Service.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsbus "github.com/plaenen/subscriptions/pkg/messaging/nats"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrNotStarted   = errors.New("event bus not started")
	ErrDisconnected = errors.New("event bus disconnected")
)

const drainPoll = 10 * time.Millisecond

// URLSource supplies the server URL once it is known, typically an
// embeddednats.Service started earlier by the same runner.
type URLSource interface {
	URL() string
}

// Service connects the JetStream event bus on Start and drains it on Stop.
//
//	nats := embeddednats.New()
//	bus := eventbus.New(eventbus.WithServer(nats))
//	runner.New([]runner.Service{nats, bus, projections}).Run(ctx)
type Service struct {
	config natsbus.Config
	server URLSource
	bus    *natsbus.EventBus
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures the EventBus service.
type Option func(*Service)

// WithConfig sets the bus configuration.
func WithConfig(config natsbus.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithServer takes the URL from server at Start, overriding Config.URL.
func WithServer(server URLSource) Option {
	return func(s *Service) {
		s.server = server
	}
}

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

// New creates a new EventBus service.
func New(opts ...Option) *Service {
	s := &Service{
		config: natsbus.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Name() string {
	return "eventbus"
}

// Start connects to NATS and ensures the stream exists.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer func() { observability.EndSpan(span, err) }()

	config := s.config
	if s.server != nil {
		config.URL = s.server.URL()
	}
	if config.URL == "" {
		return fmt.Errorf("no NATS url configured")
	}

	bus, err := natsbus.NewEventBus(ctx, config, natsbus.WithLogger(s.logger))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create event bus", "error", err)
		return err
	}
	s.bus = bus

	span.SetAttributes(
		attribute.String("nats.url", config.URL),
		attribute.String("stream.name", config.StreamName),
		attribute.Int64("stream.max_bytes", config.MaxBytes),
		attribute.String("stream.max_age", config.MaxAge.String()),
	)
	s.logger.InfoContext(ctx, "event bus connected",
		"url", config.URL,
		"stream", config.StreamName)

	return nil
}

// Stop closes the bus and waits for the connection to finish draining.
func (s *Service) Stop(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer func() { observability.EndSpan(span, err) }()

	if s.bus == nil {
		return nil
	}
	if err := s.bus.Close(); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for !s.bus.Conn().IsClosed() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain event bus: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	s.logger.InfoContext(ctx, "event bus closed")
	return nil
}

// HealthCheck reports whether the NATS connection is up.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	if s.bus == nil {
		return ErrNotStarted
	}
	if !s.bus.Conn().IsConnected() {
		return fmt.Errorf("%w: %s", ErrDisconnected, s.bus.Conn().Status())
	}
	return nil
}

// EventBus returns the bus, or nil before Start.
func (s *Service) EventBus() *natsbus.EventBus {
	return s.bus
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
