package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func newTestTelemetry(t *testing.T) (*Telemetry, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	exporter := tracetest.NewInMemoryExporter()
	tel, err := Init(context.Background(), Config{
		ServiceName:     "subscriptions-test",
		TraceExporter:   exporter,
		TraceSampleRate: 1,
		MetricReader:    reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, reader, exporter
}

func TestMetrics_RecordCommand(t *testing.T) {
	tel, reader, _ := newTestTelemetry(t)
	ctx := context.Background()

	tel.Metrics.RecordCommand(ctx, "subscription.AddSubscription", time.Millisecond, nil)
	tel.Metrics.RecordCommand(ctx, "subscription.UpdateSubscription", time.Millisecond,
		eventsourcing.NewValidationError("name", "must not be empty"))
	tel.Metrics.RecordCommand(ctx, "subscription.UpdateSubscription", time.Millisecond,
		eventsourcing.ErrConcurrencyConflict)

	assert.Equal(t, int64(3), counterTotal(t, reader, "subscriptions.command.total"))
	assert.Equal(t, int64(2), counterTotal(t, reader, "subscriptions.command.errors"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriptions.command.conflicts"))
}

func TestMetrics_RecordEvents(t *testing.T) {
	tel, reader, _ := newTestTelemetry(t)
	ctx := context.Background()

	tel.Metrics.RecordAppend(ctx, "Subscription", time.Millisecond, 2, nil)
	tel.Metrics.RecordAppend(ctx, "Subscription", time.Millisecond, 5, errors.New("disk full"))
	tel.Metrics.RecordDispatch(ctx, "subscription.Created", nil)
	tel.Metrics.RecordDispatch(ctx, "subscription.Created", errors.New("bus down"))
	tel.Metrics.RecordProjection(ctx, "subscription_view", nil)
	tel.Metrics.RecordProjection(ctx, "subscription_view", errors.New("locked"))

	assert.Equal(t, int64(2), counterTotal(t, reader, "subscriptions.events.appended"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriptions.events.dispatched"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriptions.events.dispatch_failures"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriptions.projection.events"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "subscriptions.projection.errors"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordCommand(ctx, "x", time.Second, errors.New("boom"))
		m.RecordAppend(ctx, "x", time.Second, 1, nil)
		m.RecordDispatch(ctx, "x", nil)
		m.RecordProjection(ctx, "x", nil)
	})
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "disabled"})
	require.NoError(t, err)

	assert.Nil(t, tel.Metrics)
	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.Meter())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSpans(t *testing.T) {
	tel, _, exporter := newTestTelemetry(t)

	ctx, span := StartSpan(context.Background(), tel.Tracer(), "command.test",
		WithAttributes(CommandAttrs("subscription.AddSubscription", "cmd-1")...))
	assert.NotEmpty(t, TraceID(ctx))
	EndSpan(span, errors.New("failed"))

	require.NoError(t, tel.TracerProvider.(interface {
		ForceFlush(context.Context) error
	}).ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "command.test", spans[0].Name)
	assert.Equal(t, "failed", spans[0].Status.Description)
}
