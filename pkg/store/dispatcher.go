package store

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
)

// CommandDispatcher accepts commands emitted by reactor policies.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) error
}

// DispatcherFunc is a function adapter for CommandDispatcher.
type DispatcherFunc func(ctx context.Context, cmd domain.Command) error

// Dispatch implements CommandDispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, cmd domain.Command) error {
	return f(ctx, cmd)
}
