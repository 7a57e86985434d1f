// Package middleware provides eventsourcing.CommandMiddleware for the command bus.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
)

// LoggingMiddleware logs command execution with timing information using slog.
// Rejected commands (validation, not found, business rules) are logged at warn
// level; everything else that fails is an error.
func LoggingMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			start := time.Now()

			commandType := commandTypeOf(cmd)
			attrs := []any{
				slog.String("command_type", commandType),
				slog.String("command_id", cmd.Metadata.CommandID),
				slog.String("aggregate_id", aggregateIDOf(cmd)),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			}

			logger.DebugContext(ctx, "executing command", attrs...)

			events, err := next.Handle(ctx, cmd)

			attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
			if err != nil {
				appErr := eventsourcing.ToAppError(err, eventsourcing.CodeRejected)
				attrs = append(attrs, slog.String("error_code", appErr.Code), slog.String("error", err.Error()))

				level := slog.LevelWarn
				if appErr.Code == eventsourcing.CodeInternal || appErr.Code == eventsourcing.CodeUnavailable {
					level = slog.LevelError
				}
				logger.Log(ctx, level, "command failed", attrs...)
				return nil, err
			}

			attrs = append(attrs, slog.Int("events_count", len(events)))
			logger.InfoContext(ctx, "command executed", attrs...)
			return events, nil
		})
	}
}

func commandTypeOf(cmd *eventsourcing.CommandEnvelope) string {
	if cmd == nil || cmd.Command == nil {
		return "unknown"
	}
	return cmd.Command.CommandType()
}

func aggregateIDOf(cmd *eventsourcing.CommandEnvelope) string {
	if cmd == nil || cmd.Command == nil {
		return ""
	}
	return cmd.Command.AggregateID()
}
