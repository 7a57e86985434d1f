package projections

import (
	"context"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/observability"
	"go.opentelemetry.io/otel/trace"
)

// Instrument wraps a projection so every handled event gets a span and is
// counted in metrics. A nil metrics only traces.
func Instrument(projection eventsourcing.Projection, tracer trace.Tracer, metrics *observability.Metrics) eventsourcing.Projection {
	return &instrumented{Projection: projection, tracer: tracer, metrics: metrics}
}

type instrumented struct {
	eventsourcing.Projection
	tracer  trace.Tracer
	metrics *observability.Metrics
}

func (p *instrumented) Handle(ctx context.Context, event *eventsourcing.Event) (err error) {
	ctx, span := observability.StartSpan(ctx, p.tracer, "project."+p.Name(),
		observability.WithAttributes(observability.AttrProjection.String(p.Name())),
		observability.WithAttributes(observability.EventAttrs(event.EventType, event.ID)...),
		observability.WithAttributes(observability.AggregateAttrs(event.AggregateID, event.AggregateType, event.Version)...),
	)
	defer func() { observability.EndSpan(span, err) }()

	err = p.Projection.Handle(ctx, event)
	p.metrics.RecordProjection(ctx, p.Name(), err)
	return err
}
