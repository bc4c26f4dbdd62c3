package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventBus routes persisted events to the reactor of their aggregate type.
// It runs the reactor's policy through a CommandDispatcher and applies the
// view actions against a ReadDatabase. It never recurses; see Cascade.
type EventBus struct {
	db         store.ReadDatabase
	dispatcher store.CommandDispatcher
	reactors   map[string]Reactor
	logger     *slog.Logger
	onError    func(ctx context.Context, event *domain.Event, viewType string, err error)
	mu         sync.RWMutex
}

// NewEventBus creates an event bus. dispatcher may be nil when no reactor
// has policies; a policy command then fails with COMMAND_DISPATCH_FAILED.
func NewEventBus(db store.ReadDatabase, dispatcher store.CommandDispatcher, opts ...Option) *EventBus {
	cfg := newConfig(opts)
	return &EventBus{
		db:         db,
		dispatcher: dispatcher,
		reactors:   make(map[string]Reactor),
		logger:     cfg.logger,
		onError:    cfg.onProjectionErr,
	}
}

// RegisterReactor registers the reactor of an aggregate type.
func (b *EventBus) RegisterReactor(r Reactor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := r.AggregateType()
	if t == "" {
		return errors.New("eventsourcing: reactor has no aggregate type")
	}
	if _, exists := b.reactors[t]; exists {
		return fmt.Errorf("eventsourcing: reactor already registered for aggregate type %s", t)
	}
	b.reactors[t] = r
	return nil
}

// HasReactor reports whether a reactor is registered for aggregateType.
func (b *EventBus) HasReactor(aggregateType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.reactors[aggregateType]
	return ok
}

// AggregateTypes returns the aggregate types with a reactor.
func (b *EventBus) AggregateTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.reactors))
	for t := range b.reactors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Receive runs the reactor for one event: the policy command first, then the
// view actions in order. The first failure aborts the call.
func (b *EventBus) Receive(ctx context.Context, event *domain.Event) error {
	return b.receive(ctx, event, b.dispatcher)
}

func (b *EventBus) receive(ctx context.Context, event *domain.Event, dispatcher store.CommandDispatcher) error {
	if event == nil {
		return domain.New(domain.CodeEventHandlerNotFound, "nil event")
	}

	b.mu.RLock()
	reactor, ok := b.reactors[event.AggregateID.Type]
	b.mu.RUnlock()
	if !ok {
		return domain.Newf(domain.CodeEventHandlerNotFound, "no reactor for aggregate type %q", event.AggregateID.Type)
	}

	reaction, err := reactor.React(event)
	if err != nil {
		if domain.CodeOf(err) == "" {
			return domain.Wrap(domain.CodeProjectionFailed, fmt.Sprintf("react to %s", event.Subject()), err)
		}
		return err
	}
	if reaction.IsEmpty() {
		return nil
	}

	if reaction.Command != nil {
		if err := b.dispatch(ctx, event, *reaction.Command, dispatcher); err != nil {
			return err
		}
	}

	for _, action := range reaction.Views {
		if err := b.project(ctx, action); err != nil {
			viewType, id := action.Target()
			b.logger.ErrorContext(ctx, "projection failed",
				slog.String("event_id", event.ID),
				slog.String("event_type", event.Type),
				slog.String("aggregate_id", event.AggregateID.String()),
				slog.String("view_type", viewType),
				slog.String("view_id", id),
				slog.String("error", err.Error()),
			)
			if b.onError != nil {
				b.onError(ctx, event, viewType, err)
			}
			return err
		}
	}
	return nil
}

func (b *EventBus) dispatch(ctx context.Context, event *domain.Event, cmd domain.Command, dispatcher store.CommandDispatcher) error {
	if cmd.ID == "" {
		// A redelivered event yields the same command id.
		cmd.ID = domain.GenerateDeterministicEventID(event.ID, cmd.AggregateID, 0)
	}
	if cmd.Metadata.CausationID == "" {
		cmd.Metadata.CausationID = event.ID
	}
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = event.Metadata.CorrelationID
	}
	if cmd.Metadata.PrincipalID == "" {
		cmd.Metadata.PrincipalID = event.Metadata.PrincipalID
	}

	if dispatcher == nil {
		return domain.Newf(domain.CodeCommandDispatchFailed, "no dispatcher for %s emitted by %s", cmd.Operation, event.Subject())
	}
	err := dispatcher.Dispatch(ctx, cmd)
	if errors.Is(err, domain.ErrCommandAlreadyProcessed) {
		// Redelivery of an event whose policy already ran.
		b.logger.DebugContext(ctx, "policy command already processed",
			slog.String("command_id", cmd.ID),
			slog.String("event_id", event.ID),
		)
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.CodeCommandDispatchFailed, fmt.Sprintf("dispatch %s on %s emitted by %s", cmd.Operation, cmd.AggregateID, event.Subject()), err)
	}
	return nil
}

func (b *EventBus) project(ctx context.Context, action ViewAction) error {
	if b.db == nil {
		viewType, _ := action.Target()
		return domain.Newf(domain.CodeReadDatabaseError, "no read database for view %s", viewType)
	}

	switch a := action.(type) {
	case InitView:
		id := a.View.ID()
		_, err := b.db.GetByID(ctx, a.ViewType, id)
		switch {
		case err == nil:
			return domain.Newf(domain.CodeViewAlreadyExists, "view %s/%s already exists", a.ViewType, id)
		case !errors.Is(err, store.ErrNotFound):
			return domain.Wrap(domain.CodeGetViewFailed, fmt.Sprintf("get view %s/%s", a.ViewType, id), err)
		}
		if err := b.db.Save(ctx, a.ViewType, a.View); err != nil {
			return domain.Wrap(domain.CodeSaveViewFailed, fmt.Sprintf("save view %s/%s", a.ViewType, id), err)
		}
		return nil

	case ApplyView:
		view, err := b.db.GetByID(ctx, a.ViewType, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Newf(domain.CodeViewNotFound, "view %s/%s does not exist", a.ViewType, a.ID)
		}
		if err != nil {
			return domain.Wrap(domain.CodeGetViewFailed, fmt.Sprintf("get view %s/%s", a.ViewType, a.ID), err)
		}
		next, err := a.Mutate(view.Clone())
		if err != nil {
			return domain.Wrap(domain.CodeProjectionFailed, fmt.Sprintf("apply to view %s/%s", a.ViewType, a.ID), err)
		}
		if next == nil {
			next = domain.View{}
		}
		next[domain.ViewKeyType] = a.ViewType
		next[domain.ViewKeyID] = a.ID
		if err := b.db.Save(ctx, a.ViewType, next); err != nil {
			return domain.Wrap(domain.CodeSaveViewFailed, fmt.Sprintf("save view %s/%s", a.ViewType, a.ID), err)
		}
		return nil

	case DeleteView:
		if err := b.db.Delete(ctx, a.ViewType, a.ID); err != nil {
			return domain.Wrap(domain.CodeDeleteViewFailed, fmt.Sprintf("delete view %s/%s", a.ViewType, a.ID), err)
		}
		return nil
	}
	return fmt.Errorf("eventsourcing: unsupported view action %T", action)
}

// EventBusPublisher publishes events by feeding them to an EventBus in order.
// Use it with WithPublisher for in-process reactors.
func EventBusPublisher(bus *EventBus) EventPublisher {
	return PublisherFunc(func(ctx context.Context, events []*domain.Event) error {
		for _, event := range events {
			if err := bus.Receive(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
}
