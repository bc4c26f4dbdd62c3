package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/idempotency"
)

// IdempotencyMiddleware rejects a command whose ID was already handled
// within ttl with COMMAND_ALREADY_PROCESSED. Commands without an ID pass.
// A failed command releases its key so it can be retried.
func IdempotencyMiddleware(store idempotency.Store, ttl time.Duration, logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			if cmd.ID == "" {
				return next.Handle(ctx, cmd)
			}

			key := cmd.AggregateID.Type + ":" + cmd.ID
			reserved, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				return nil, err
			}
			if !reserved {
				return nil, domain.Wrap(domain.CodeCommandAlreadyProcessed, "command "+cmd.ID, domain.ErrCommandAlreadyProcessed)
			}

			events, err := next.Handle(ctx, cmd)
			if err != nil {
				if relErr := store.Release(context.WithoutCancel(ctx), key); relErr != nil {
					logger.WarnContext(ctx, "releasing idempotency key failed",
						slog.String("command_id", cmd.ID),
						slog.String("error", relErr.Error()),
					)
				}
			}
			return events, err
		})
	}
}
