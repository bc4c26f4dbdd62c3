package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// AggregateProcessor is a CommandProcessor with its state type erased.
type AggregateProcessor interface {
	CommandHandler
	AggregateType() string
	LoadAny(ctx context.Context, id domain.AggregateID) (any, error)
}

// DomainService handles commands that span several aggregate instances,
// such as merging two counters. It may replay any registered aggregate and
// run commands against processors through env; the events it returns are
// what the bus publishes.
type DomainService interface {
	Handle(ctx context.Context, cmd domain.Command, env ServiceEnv) ([]*domain.Event, error)
}

// DomainServiceFunc is a function adapter for DomainService.
type DomainServiceFunc func(ctx context.Context, cmd domain.Command, env ServiceEnv) ([]*domain.Event, error)

// Handle implements DomainService.
func (f DomainServiceFunc) Handle(ctx context.Context, cmd domain.Command, env ServiceEnv) ([]*domain.Event, error) {
	return f(ctx, cmd, env)
}

// ServiceEnv gives domain services access to registered aggregates.
type ServiceEnv interface {
	// Load replays an aggregate; the result is a domain.State[S].
	Load(ctx context.Context, id domain.AggregateID) (any, error)

	// Execute validates cmd and runs it against its aggregate's processor,
	// bypassing middleware and publishing.
	Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)
}

// LoadState replays an aggregate through env with its concrete state type.
func LoadState[S any](ctx context.Context, env ServiceEnv, id domain.AggregateID) (domain.State[S], error) {
	v, err := env.Load(ctx, id)
	if err != nil {
		return domain.State[S]{}, err
	}
	state, ok := v.(domain.State[S])
	if !ok {
		return domain.State[S]{}, fmt.Errorf("eventsourcing: %s state is %T, not %T", id.Type, v, state)
	}
	return state, nil
}

// CommandBus routes commands to the processor or domain service registered
// for their aggregate type, through the middleware chain.
type CommandBus struct {
	processors map[string]AggregateProcessor
	services   map[string]DomainService
	middleware []CommandMiddleware
	publisher  EventPublisher
	logger     *slog.Logger
	mu         sync.RWMutex
}

var _ store.CommandDispatcher = (*CommandBus)(nil)

// NewCommandBus creates a command bus. WithPublisher makes it publish the
// events of every successful command.
func NewCommandBus(opts ...Option) *CommandBus {
	cfg := newConfig(opts)
	return &CommandBus{
		processors: make(map[string]AggregateProcessor),
		services:   make(map[string]DomainService),
		middleware: make([]CommandMiddleware, 0),
		publisher:  cfg.publisher,
		logger:     cfg.logger,
	}
}

// RegisterAggregate registers the processor of an aggregate type.
func (b *CommandBus) RegisterAggregate(p AggregateProcessor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := p.AggregateType()
	if b.registered(t) {
		return fmt.Errorf("eventsourcing: handler already registered for aggregate type %s", t)
	}
	b.processors[t] = p
	return nil
}

// RegisterService registers a domain service under an aggregate type name.
func (b *CommandBus) RegisterService(aggregateType string, svc DomainService) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.registered(aggregateType) {
		return fmt.Errorf("eventsourcing: handler already registered for aggregate type %s", aggregateType)
	}
	b.services[aggregateType] = svc
	return nil
}

func (b *CommandBus) registered(aggregateType string) bool {
	_, p := b.processors[aggregateType]
	_, s := b.services[aggregateType]
	return p || s
}

// Use adds middleware to the command processing pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (b *CommandBus) Use(middleware ...CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware...)
}

// Dispatch implements store.CommandDispatcher. An EVENTS_NOT_PUBLISHED
// error means the events were persisted; only publishing failed.
func (b *CommandBus) Dispatch(ctx context.Context, cmd domain.Command) error {
	_, err := b.Execute(ctx, cmd)
	return err
}

// Execute validates and routes a command and returns the persisted events.
// When the publisher fails after the save, Execute returns the persisted
// events together with an EVENTS_NOT_PUBLISHED error.
func (b *CommandBus) Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	handler, err := b.resolve(cmd.AggregateID.Type)
	middleware := b.middleware
	b.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	events, err := Chain(handler, middleware...).Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if b.publisher != nil && len(events) > 0 {
		if err := b.publisher.Publish(ctx, events); err != nil {
			b.logger.ErrorContext(ctx, "publishing persisted events failed",
				slog.String("aggregate_id", cmd.AggregateID.String()),
				slog.Int("events_count", len(events)),
				slog.String("error", err.Error()),
			)
			return events, domain.Wrap(domain.CodeEventsNotPublished, fmt.Sprintf("publish events of %s", cmd.AggregateID), err)
		}
	}

	return events, nil
}

// resolve must be called with b.mu held.
func (b *CommandBus) resolve(aggregateType string) (CommandHandler, error) {
	if svc, ok := b.services[aggregateType]; ok {
		return CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			return svc.Handle(ctx, cmd, serviceEnv{bus: b})
		}), nil
	}
	if p, ok := b.processors[aggregateType]; ok {
		return p, nil
	}
	return nil, domain.Newf(domain.CodeCommandHandlerNotFound, "no handler for aggregate type %q", aggregateType)
}

// AggregateTypes returns the registered aggregate types and services.
func (b *CommandBus) AggregateTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.processors)+len(b.services))
	for t := range b.processors {
		types = append(types, t)
	}
	for t := range b.services {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (b *CommandBus) processor(aggregateType string) (AggregateProcessor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.processors[aggregateType]
	if !ok {
		return nil, domain.Newf(domain.CodeCommandHandlerNotFound, "no aggregate registered for type %q", aggregateType)
	}
	return p, nil
}

type serviceEnv struct {
	bus *CommandBus
}

func (e serviceEnv) Load(ctx context.Context, id domain.AggregateID) (any, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	p, err := e.bus.processor(id.Type)
	if err != nil {
		return nil, err
	}
	return p.LoadAny(ctx, id)
}

func (e serviceEnv) Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	p, err := e.bus.processor(cmd.AggregateID.Type)
	if err != nil {
		return nil, err
	}
	return p.Handle(ctx, cmd)
}
