package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// RetryConfig configures RetryOnConflict.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       *slog.Logger
}

// DefaultRetryConfig retries up to 5 times starting at 10ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
	}
}

// RetryOnConflict re-runs the rest of the chain when it fails with
// CONCURRENCY_CONFLICT, doubling the delay between attempts. Replaying is
// safe because the processor re-reads the stream on every attempt.
func RetryOnConflict(cfg RetryConfig) eventsourcing.CommandMiddleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			delay := cfg.InitialDelay
			for attempt := 1; ; attempt++ {
				events, err := next.Handle(ctx, cmd)
				if err == nil || !domain.IsRetryable(err) || attempt >= cfg.MaxAttempts {
					return events, err
				}

				cfg.Logger.DebugContext(ctx, "retrying command after concurrency conflict",
					slog.String("command_id", cmd.ID),
					slog.String("aggregate_id", cmd.AggregateID.String()),
					slog.Int("attempt", attempt),
					slog.Duration("delay", delay),
				)

				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}

				delay *= 2
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		})
	}
}
