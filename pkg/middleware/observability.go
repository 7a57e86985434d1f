package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityMiddleware wraps each command in a span and records command metrics.
func ObservabilityMiddleware(tel *observability.Telemetry) eventsourcing.CommandMiddleware {
	tracer := tel.Tracer()

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			commandType := commandTypeOf(cmd)

			ctx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.CommandAttrs(commandType, cmd.Metadata.CommandID)...),
				trace.WithAttributes(
					observability.AttrAggregateID.String(aggregateIDOf(cmd)),
					attribute.String("command.correlation_id", cmd.Metadata.CorrelationID),
				),
			)

			start := time.Now()
			events, err := next.Handle(ctx, cmd)
			tel.Metrics.RecordCommand(ctx, commandType, time.Since(start), err)

			if err != nil {
				span.SetAttributes(observability.ErrorAttrs(err, eventsourcing.ToAppError(err, "").Code)...)
				observability.EndSpan(span, err)
				return nil, err
			}

			span.SetAttributes(observability.AttrEventCount.Int(len(events)))
			if len(events) > 0 {
				eventTypes := make([]string, len(events))
				for i, evt := range events {
					eventTypes[i] = evt.EventType
				}
				span.SetAttributes(attribute.StringSlice("events.types", eventTypes))
			}
			observability.EndSpan(span, nil)
			return events, nil
		})
	}
}
