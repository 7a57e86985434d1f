package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type pingCommand struct{ id string }

func (c pingCommand) AggregateID() string { return c.id }
func (c pingCommand) CommandType() string { return "test.Ping" }

func handlerReturning(events []*eventsourcing.Event, err error) eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(context.Context, *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
		return events, err
	})
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	return lines
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
		wantMsg   string
		wantCode  string
	}{
		{"success", nil, "INFO", "command executed", ""},
		{"validation failure", eventsourcing.NewValidationError("name", "must not be empty"), "WARN", "command failed", eventsourcing.CodeValidation},
		{"store failure", eventsourcing.NewStoreError("append", errors.New("disk full")), "ERROR", "command failed", eventsourcing.CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

			events := []*eventsourcing.Event{{ID: "evt-1", EventType: "test.Ponged"}}
			handler := LoggingMiddleware(logger)(handlerReturning(events, tt.err))

			got, err := handler.Handle(context.Background(), eventsourcing.NewCommandEnvelope(pingCommand{id: "agg-1"}))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Len(t, got, 1)
			}

			lines := logLines(t, &buf)
			require.Len(t, lines, 1)
			assert.Equal(t, tt.wantLevel, lines[0]["level"])
			assert.Equal(t, tt.wantMsg, lines[0]["msg"])
			assert.Equal(t, "test.Ping", lines[0]["command_type"])
			assert.Equal(t, "agg-1", lines[0]["aggregate_id"])
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, lines[0]["error_code"])
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	panicking := eventsourcing.CommandHandlerFunc(func(context.Context, *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
		panic("boom")
	})

	events, err := RecoveryMiddleware(logger)(panicking).Handle(context.Background(),
		eventsourcing.NewCommandEnvelope(pingCommand{id: "agg-1"}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, events)
	assert.Contains(t, buf.String(), "command handler panicked")
}

func TestObservabilityMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(context.Background(), observability.Config{
		ServiceName:  "middleware-test",
		MetricReader: reader,
	})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	mw := ObservabilityMiddleware(tel)
	cmd := eventsourcing.NewCommandEnvelope(pingCommand{id: "agg-1"})

	_, err = mw(handlerReturning(nil, nil)).Handle(context.Background(), cmd)
	require.NoError(t, err)
	_, err = mw(handlerReturning(nil, eventsourcing.ErrConcurrencyConflict)).Handle(context.Background(), cmd)
	require.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["subscriptions.command.total"])
	assert.Equal(t, int64(1), totals["subscriptions.command.errors"])
	assert.Equal(t, int64(1), totals["subscriptions.command.conflicts"])
}

func TestMiddlewareOnCommandBus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	bus := eventsourcing.NewCommandBus()
	bus.Use(RecoveryMiddleware(logger))
	bus.Use(LoggingMiddleware(logger))
	bus.Register("test.Ping", handlerReturning([]*eventsourcing.Event{{ID: "evt-1"}}, nil))

	result, err := bus.Send(context.Background(), eventsourcing.NewCommandEnvelope(pingCommand{id: "agg-1"}))
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
	assert.Contains(t, buf.String(), "command executed")
}
