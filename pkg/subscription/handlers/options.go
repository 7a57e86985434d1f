package handlers

import (
	"log/slog"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/idgen"
	"github.com/plaenen/subscriptions/pkg/observability"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type config struct {
	now     func() time.Time
	logger  *slog.Logger
	ids     idgen.Generator
	retry   eventsourcing.RetryPolicy
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func defaultConfig() config {
	return config{
		now:    eventsourcing.Now,
		logger: slog.Default(),
		ids:    idgen.ULID{},
		tracer: noop.NewTracerProvider().Tracer(observability.InstrumentationName),
	}
}

// Option configures a handler.
type Option func(*config)

// WithClock sets the clock date rules are validated against.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithLogger sets the logger. Dispatch failures are logged at error level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithIDGenerator sets the generator for event ids. Defaults to ULIDs.
func WithIDGenerator(ids idgen.Generator) Option {
	return func(c *config) {
		c.ids = ids
	}
}

// WithRetryPolicy retries the whole load, decide and append cycle when the
// append hits a concurrency conflict. Without it the conflict is returned.
func WithRetryPolicy(policy eventsourcing.RetryPolicy) Option {
	return func(c *config) {
		c.retry = policy
	}
}

// WithMetrics records appends and dispatches.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *config) {
		c.metrics = metrics
	}
}

// WithTracer sets the tracer for handler spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		c.tracer = tracer
	}
}

// WithTelemetry takes the tracer and metrics from tel.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(c *config) {
		c.tracer = tel.Tracer()
		c.metrics = tel.Metrics
	}
}
