package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for command handling, the event store,
// the event bus and projections. A nil *Metrics records nothing.
type Metrics struct {
	// Command metrics
	CommandDuration      metric.Float64Histogram
	CommandTotal         metric.Int64Counter
	CommandErrors        metric.Int64Counter
	ConcurrencyConflicts metric.Int64Counter

	// Event metrics
	EventsAppended    metric.Int64Counter
	EventStoreLatency metric.Float64Histogram
	EventsDispatched  metric.Int64Counter
	DispatchFailures  metric.Int64Counter

	// Projection metrics
	ProjectionEvents metric.Int64Counter
	ProjectionErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"subscriptions.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"subscriptions.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"subscriptions.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.ConcurrencyConflicts, err = meter.Int64Counter(
		"subscriptions.command.conflicts",
		metric.WithDescription("Appends rejected because the stream moved"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.conflicts: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"subscriptions.events.appended",
		metric.WithDescription("Total events appended to event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"subscriptions.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.EventsDispatched, err = meter.Int64Counter(
		"subscriptions.events.dispatched",
		metric.WithDescription("Total events dispatched to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.dispatched: %w", err)
	}

	m.DispatchFailures, err = meter.Int64Counter(
		"subscriptions.events.dispatch_failures",
		metric.WithDescription("Stored events the event bus failed to deliver"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.dispatch_failures: %w", err)
	}

	m.ProjectionEvents, err = meter.Int64Counter(
		"subscriptions.projection.events",
		metric.WithDescription("Events applied by projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.events: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"subscriptions.projection.errors",
		metric.WithDescription("Projection processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
		attribute.Bool("success", err == nil),
	}
	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command_type", commandType),
			attribute.String("error_code", eventsourcing.ToAppError(err, "").Code),
		))
	}
	if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
		m.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("command_type", commandType)))
	}
}

// RecordAppend records an event store append of eventCount events.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string, duration time.Duration, eventCount int, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", "append"),
		attribute.String("aggregate_type", aggregateType),
	}
	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err == nil {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordDispatch records one dispatch attempt.
func (m *Metrics) RecordDispatch(ctx context.Context, eventType string, err error) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.DispatchFailures.Add(ctx, 1, attrs)
		return
	}
	m.EventsDispatched.Add(ctx, 1, attrs)
}

// RecordProjection records one event handled by a projection.
func (m *Metrics) RecordProjection(ctx context.Context, projectionName string, err error) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("projection", projectionName))
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, attrs)
		return
	}
	m.ProjectionEvents.Add(ctx, 1, attrs)
}
