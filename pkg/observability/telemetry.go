// Package observability provides OpenTelemetry-based tracing and metrics
// with backend-agnostic configuration.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter used by this module.
const InstrumentationName = "github.com/plaenen/subscriptions"

// Config configures the observability stack
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // dev, staging, prod

	// TraceExporter is pluggable (OTLP, stdout, in-memory for tests). Nil disables tracing.
	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64 // 0.0 to 1.0

	// MetricReader is pluggable (Prometheus, OTLP, ManualReader). Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger

	// SetGlobal installs the providers as the otel globals.
	SetGlobal bool
}

// Telemetry manages the observability stack
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
}

// Init initializes OpenTelemetry with graceful degradation.
// If exporters/readers are nil, telemetry is disabled but calls are no-ops.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		Logger:         cfg.Logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	} else {
		cfg.Logger.Info("tracing disabled (no exporter configured)")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(InstrumentationName))
		if err != nil {
			_ = mp.Shutdown(ctx)
			return nil, err
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		tel.shutdown = append(tel.shutdown, mp.Shutdown)
		cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
	} else {
		// An SDK provider without readers drops every measurement.
		tel.MeterProvider = sdkmetric.NewMeterProvider()
		cfg.Logger.Info("metrics disabled (no reader configured)")
	}

	if cfg.SetGlobal {
		otel.SetTracerProvider(tel.TracerProvider)
		otel.SetMeterProvider(tel.MeterProvider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if len(t.shutdown) == 0 {
		return nil
	}
	t.Logger.Info("shutting down observability")

	var errs []error
	for _, shutdown := range t.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the module tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(InstrumentationName)
}

// Meter returns the module meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(InstrumentationName)
}
