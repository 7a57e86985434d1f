package projections_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	busmemory "github.com/plaenen/subscriptions/pkg/messaging/memory"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/runtime/projections"
	"github.com/plaenen/subscriptions/pkg/store/memory"
	"github.com/plaenen/subscriptions/pkg/store/sqlite"
	"github.com/plaenen/subscriptions/pkg/subscription"
	"github.com/plaenen/subscriptions/pkg/subscription/handlers"
	view "github.com/plaenen/subscriptions/pkg/subscription/projections"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	_ "modernc.org/sqlite"
)

type env struct {
	events      *memory.EventStore
	bus         *busmemory.EventBus
	checkpoints *sqlite.CheckpointStore
	view        *view.SubscriptionView
	commands    *eventsourcing.DefaultCommandBus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	checkpoints, err := sqlite.NewCheckpointStore(ctx, db)
	require.NoError(t, err)
	subscriptions, err := view.NewSubscriptionView(ctx, db)
	require.NoError(t, err)

	events := memory.NewEventStore()
	bus := busmemory.NewEventBus()
	commands := eventsourcing.NewCommandBus()
	handlers.Register(commands, events, bus, handlers.WithClock(func() time.Time {
		return time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	}))

	return &env{events: events, bus: bus, checkpoints: checkpoints, view: subscriptions, commands: commands}
}

func (e *env) add(t *testing.T, name string) string {
	t.Helper()
	cmd := subscription.NewAddSubscription(subscription.DetailsInput{
		Name:         name,
		Amount:       decimal.RequireFromString("9.99"),
		Currency:     "EUR",
		BillingCycle: "monthly",
	}, "2024-02-01")
	_, err := e.commands.Send(context.Background(), eventsourcing.NewCommandEnvelope(cmd))
	require.NoError(t, err)
	return cmd.SubscriptionID
}

func (e *env) service(opts ...projections.Option) *projections.Service {
	opts = append([]projections.Option{projections.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return projections.New(e.events, e.checkpoints,
		func() eventsourcing.EventBus { return e.bus },
		[]eventsourcing.Projection{e.view},
		opts...)
}

func TestService_CatchesUpThenFollowsTheBus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	before := e.add(t, "Spotify")

	service := e.service()
	require.ErrorIs(t, service.HealthCheck(ctx), projections.ErrNotStarted)

	startCtx, cancel := context.WithTimeout(ctx, time.Second)
	require.NoError(t, service.Start(startCtx))
	cancel()
	t.Cleanup(func() { _ = service.Stop(ctx) })

	_, err := e.view.Get(ctx, before)
	require.NoError(t, err)

	// The startup context is gone; live delivery must still work.
	after := e.add(t, "Netflix")
	_, err = e.view.Get(ctx, after)
	require.NoError(t, err)

	require.NoError(t, service.HealthCheck(ctx))
	checkpoint, err := service.Manager().Checkpoint(ctx, view.ViewName)
	require.NoError(t, err)
	assert.Equal(t, int64(2), checkpoint.Position)
}

func TestService_StopEndsLiveDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	service := e.service()
	require.NoError(t, service.Start(ctx))
	require.NoError(t, service.Stop(ctx))

	id := e.add(t, "Netflix")
	_, err := e.view.Get(ctx, id)
	require.ErrorIs(t, err, view.ErrNotFound)
}

func TestService_RecordsProjectionMetrics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(ctx, observability.Config{ServiceName: "test", MetricReader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	e.add(t, "Spotify")
	e.add(t, "Netflix")

	service := e.service(projections.WithMetrics(tel.Metrics), projections.WithBatchSize(1))
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() { _ = service.Stop(ctx) })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var applied int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "subscriptions.projection.events" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				applied += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), applied)
}

func TestService_TracesEachProjectedEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	exporter := tracetest.NewInMemoryExporter()
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "test",
		TraceExporter:   exporter,
		TraceSampleRate: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	id := e.add(t, "Spotify")

	service := e.service(projections.WithTracer(tel.Tracer()))
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() { _ = service.Stop(ctx) })

	require.NoError(t, tel.TracerProvider.(interface {
		ForceFlush(context.Context) error
	}).ForceFlush(ctx))

	var projected []tracetest.SpanStub
	for _, span := range exporter.GetSpans() {
		if span.Name == "project."+view.ViewName {
			projected = append(projected, span)
		}
	}
	require.Len(t, projected, 1)

	attrs := attribute.NewSet(projected[0].Attributes...)
	name, _ := attrs.Value(observability.AttrProjection)
	assert.Equal(t, view.ViewName, name.AsString())
	aggregate, _ := attrs.Value(observability.AttrAggregateID)
	assert.Equal(t, id, aggregate.AsString())
	eventType, _ := attrs.Value(observability.AttrEventType)
	assert.Equal(t, subscription.EventTypeCreated, eventType.AsString())
}

type failingProjection struct{}

func (failingProjection) Name() string { return "failing" }
func (failingProjection) Handle(context.Context, *eventsourcing.Event) error {
	return errors.New("boom")
}
func (failingProjection) Reset(context.Context) error { return nil }

func TestService_StartFailsWhenCatchUpFails(t *testing.T) {
	e := newEnv(t)
	e.add(t, "Spotify")

	service := projections.New(e.events, e.checkpoints,
		func() eventsourcing.EventBus { return e.bus },
		[]eventsourcing.Projection{failingProjection{}},
		projections.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := service.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start projection failing")
}

func TestService_RequiresBus(t *testing.T) {
	e := newEnv(t)
	service := projections.New(e.events, e.checkpoints,
		func() eventsourcing.EventBus { return nil },
		[]eventsourcing.Projection{e.view})

	require.Error(t, service.Start(context.Background()))
}
