package eventsourcing

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
)

// CommandHandler processes a command and returns the events it persisted.
type CommandHandler interface {
	Handle(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	return f(ctx, cmd)
}

// CommandMiddleware wraps command handlers with cross-cutting concerns.
// A middleware may short-circuit by returning without calling next.
type CommandMiddleware func(next CommandHandler) CommandHandler

// Chain composes middleware right to left, so middleware[0] is outermost.
func Chain(handler CommandHandler, middleware ...CommandMiddleware) CommandHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// EventPublisher receives events after they were persisted.
type EventPublisher interface {
	Publish(ctx context.Context, events []*domain.Event) error
}

// PublisherFunc is a function adapter for EventPublisher.
type PublisherFunc func(ctx context.Context, events []*domain.Event) error

// Publish implements EventPublisher.
func (f PublisherFunc) Publish(ctx context.Context, events []*domain.Event) error {
	return f(ctx, events)
}
