// Package middleware provides command middleware for the CommandBus.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// LoggingMiddleware logs command execution with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			start := time.Now()

			logger.InfoContext(ctx, "Executing command",
				slog.String("operation", cmd.Operation),
				slog.String("aggregate_id", cmd.AggregateID.String()),
				slog.String("command_id", cmd.ID),
				slog.String("principal_id", cmd.Metadata.PrincipalID),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			)

			events, err := next.Handle(ctx, cmd)

			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "Command execution failed",
					slog.String("operation", cmd.Operation),
					slog.String("aggregate_id", cmd.AggregateID.String()),
					slog.String("command_id", cmd.ID),
					slog.String("error_code", string(domain.CodeOf(err))),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return events, err
			}

			logger.InfoContext(ctx, "Command executed successfully",
				slog.String("operation", cmd.Operation),
				slog.String("aggregate_id", cmd.AggregateID.String()),
				slog.String("command_id", cmd.ID),
				slog.Int("events_count", len(events)),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return events, nil
		})
	}
}
