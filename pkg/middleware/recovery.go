package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// RecoveryMiddleware recovers from panics in command handlers and domain
// services. Panics in deciders are already caught by the processor.
func RecoveryMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) (events []*domain.Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "Command handler panicked",
						slog.String("command_id", cmd.ID),
						slog.String("operation", cmd.Operation),
						slog.String("aggregate_id", cmd.AggregateID.String()),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)

					err = domain.Newf(domain.CodeEventDeciderError, "command handler panicked: %v", r)
					events = nil
				}
			}()

			return next.Handle(ctx, cmd)
		})
	}
}
