package eventsourcing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store/memory"
)

func newTallyBus(t *testing.T, opts ...eventsourcing.Option) *eventsourcing.CommandBus {
	t.Helper()
	bus := eventsourcing.NewCommandBus(opts...)
	p := eventsourcing.MustCommandProcessor(tallyAggregate(), memory.NewEventStore())
	if err := bus.RegisterAggregate(p); err != nil {
		t.Fatalf("failed to register aggregate: %v", err)
	}
	return bus
}

func TestCommandBus(t *testing.T) {
	ctx := context.Background()

	t.Run("RegisterAndDispatch", func(t *testing.T) {
		bus := newTallyBus(t)
		id := domain.NewAggregateID("tally")

		events, err := bus.Execute(ctx, mustCommand(t, "create", id, nil))
		if err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}
		if len(events) != 1 || events[0].Type != "created" {
			t.Fatalf("expected one created event, got %v", events)
		}

		if err := bus.Dispatch(ctx, mustCommand(t, "increment", id, nil)); err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}
	})

	t.Run("CommandNotFound", func(t *testing.T) {
		bus := newTallyBus(t)
		err := bus.Dispatch(ctx, mustCommand(t, "open", domain.NewAggregateID("account"), nil))
		if domain.CodeOf(err) != domain.CodeCommandHandlerNotFound {
			t.Errorf("expected COMMAND_HANDLER_NOT_FOUND, got %v", err)
		}
	})

	t.Run("InvalidCommand", func(t *testing.T) {
		bus := newTallyBus(t)

		err := bus.Dispatch(ctx, mustCommand(t, "", domain.NewAggregateID("tally"), nil))
		if domain.CodeOf(err) != domain.CodeInvalidOperation {
			t.Errorf("expected INVALID_OPERATION, got %v", err)
		}

		err = bus.Dispatch(ctx, mustCommand(t, "create", domain.AggregateID{Type: "tally", ID: "not-a-uuid"}, nil))
		if domain.CodeOf(err) != domain.CodeInvalidAggregateID {
			t.Errorf("expected INVALID_AGGREGATE_ID, got %v", err)
		}
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		bus := newTallyBus(t)
		p := eventsourcing.MustCommandProcessor(tallyAggregate(), memory.NewEventStore())
		if err := bus.RegisterAggregate(p); err == nil {
			t.Error("expected error for duplicate aggregate")
		}
		svc := eventsourcing.DomainServiceFunc(func(context.Context, domain.Command, eventsourcing.ServiceEnv) ([]*domain.Event, error) {
			return nil, nil
		})
		if err := bus.RegisterService("tally", svc); err == nil {
			t.Error("expected error for service shadowing an aggregate")
		}
	})

	t.Run("Middleware", func(t *testing.T) {
		bus := newTallyBus(t)
		middlewareCalled := false

		bus.Use(func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
			return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
				middlewareCalled = true
				return next.Handle(ctx, cmd)
			})
		})

		if err := bus.Dispatch(ctx, mustCommand(t, "create", domain.NewAggregateID("tally"), nil)); err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}

		if !middlewareCalled {
			t.Error("middleware was not called")
		}
	})

	t.Run("MiddlewareSkippedForInvalidCommand", func(t *testing.T) {
		bus := newTallyBus(t)
		middlewareCalled := false
		bus.Use(func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
			return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
				middlewareCalled = true
				return next.Handle(ctx, cmd)
			})
		})

		_ = bus.Dispatch(ctx, mustCommand(t, "", domain.NewAggregateID("tally"), nil))
		if middlewareCalled {
			t.Error("middleware ran for an invalid command")
		}
	})

	t.Run("MultipleMiddleware", func(t *testing.T) {
		bus := newTallyBus(t)
		order := []int{}

		bus.Use(func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
			return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
				order = append(order, 1)
				events, err := next.Handle(ctx, cmd)
				order = append(order, 4)
				return events, err
			})
		})

		bus.Use(func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
			return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
				order = append(order, 2)
				events, err := next.Handle(ctx, cmd)
				order = append(order, 3)
				return events, err
			})
		})

		if err := bus.Dispatch(ctx, mustCommand(t, "create", domain.NewAggregateID("tally"), nil)); err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}

		// Verify middleware execution order: 1 -> 2 -> handler -> 3 -> 4
		expected := []int{1, 2, 3, 4}
		if len(order) != len(expected) {
			t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
		}

		for i, v := range expected {
			if order[i] != v {
				t.Errorf("expected order[%d] = %d, got %d", i, v, order[i])
			}
		}
	})

	t.Run("MiddlewareShortCircuit", func(t *testing.T) {
		bus := newTallyBus(t)
		denied := errors.New("denied")
		bus.Use(func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
			return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
				return nil, denied
			})
		})

		id := domain.NewAggregateID("tally")
		if err := bus.Dispatch(ctx, mustCommand(t, "create", id, nil)); !errors.Is(err, denied) {
			t.Fatalf("expected short-circuit error, got %v", err)
		}
	})

	t.Run("Publisher", func(t *testing.T) {
		var published []*domain.Event
		bus := newTallyBus(t, eventsourcing.WithPublisher(eventsourcing.PublisherFunc(
			func(ctx context.Context, events []*domain.Event) error {
				published = append(published, events...)
				return nil
			},
		)))

		if err := bus.Dispatch(ctx, mustCommand(t, "double", domain.NewAggregateID("tally"), nil)); err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}
		if len(published) != 2 {
			t.Fatalf("expected 2 published events, got %d", len(published))
		}
	})

	t.Run("PublisherFailure", func(t *testing.T) {
		bus := newTallyBus(t, eventsourcing.WithPublisher(eventsourcing.PublisherFunc(
			func(ctx context.Context, events []*domain.Event) error {
				return errors.New("broker down")
			},
		)))

		events, err := bus.Execute(ctx, mustCommand(t, "create", domain.NewAggregateID("tally"), nil))
		if domain.CodeOf(err) != domain.CodeEventsNotPublished {
			t.Fatalf("expected EVENTS_NOT_PUBLISHED, got %v", err)
		}
		if len(events) != 1 {
			t.Errorf("expected the persisted events to be returned, got %d", len(events))
		}

		// Dispatch drops the events but keeps the code, and the write stands.
		id := domain.NewAggregateID("tally")
		err = bus.Dispatch(ctx, mustCommand(t, "create", id, nil))
		if domain.CodeOf(err) != domain.CodeEventsNotPublished {
			t.Fatalf("expected EVENTS_NOT_PUBLISHED from Dispatch, got %v", err)
		}
		_, err = bus.Execute(ctx, mustCommand(t, "create", id, nil))
		if err == nil || domain.CodeOf(err) == domain.CodeEventsNotPublished {
			t.Errorf("expected the second create to be rejected by the decider, got %v", err)
		}
	})

	t.Run("AggregateTypes", func(t *testing.T) {
		bus := newTallyBus(t)
		_ = bus.RegisterService("tallyMerge", eventsourcing.DomainServiceFunc(func(context.Context, domain.Command, eventsourcing.ServiceEnv) ([]*domain.Event, error) {
			return nil, nil
		}))
		types := bus.AggregateTypes()
		if len(types) != 2 || types[0] != "tally" || types[1] != "tallyMerge" {
			t.Errorf("unexpected aggregate types %v", types)
		}
	})
}

type mergeRequest struct {
	Source domain.AggregateID `json:"source"`
	Target domain.AggregateID `json:"target"`
}

func TestDomainService(t *testing.T) {
	ctx := context.Background()
	bus := newTallyBus(t)

	merge := eventsourcing.DomainServiceFunc(func(ctx context.Context, cmd domain.Command, env eventsourcing.ServiceEnv) ([]*domain.Event, error) {
		var req mergeRequest
		if err := cmd.Decode(&req); err != nil {
			return nil, err
		}
		source, err := eventsourcing.LoadState[tally](ctx, env, req.Source)
		if err != nil {
			return nil, err
		}
		if source.Data.Count == 0 {
			return nil, errors.New("nothing to merge")
		}

		inc, err := domain.NewCommand("increment", req.Target, amount{Amount: source.Data.Count})
		if err != nil {
			return nil, err
		}
		added, err := env.Execute(ctx, inc)
		if err != nil {
			return nil, err
		}
		dec, err := domain.NewCommand("decrement", req.Source, amount{Amount: source.Data.Count})
		if err != nil {
			return nil, err
		}
		removed, err := env.Execute(ctx, dec)
		if err != nil {
			return nil, err
		}
		return append(added, removed...), nil
	})
	if err := bus.RegisterService("tallyMerge", merge); err != nil {
		t.Fatalf("failed to register service: %v", err)
	}

	source := domain.NewAggregateID("tally")
	target := domain.NewAggregateID("tally")
	for _, cmd := range []domain.Command{
		mustCommand(t, "increment", source, amount{Amount: 3}),
		mustCommand(t, "increment", target, amount{Amount: 2}),
	} {
		if err := bus.Dispatch(ctx, cmd); err != nil {
			t.Fatalf("failed to dispatch command: %v", err)
		}
	}

	events, err := bus.Execute(ctx, mustCommand(t, "merge", domain.NewAggregateID("tallyMerge"), mergeRequest{Source: source, Target: target}))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].AggregateID != target || events[1].AggregateID != source {
		t.Errorf("events landed on the wrong aggregates: %v, %v", events[0].AggregateID, events[1].AggregateID)
	}

	_, err = bus.Execute(ctx, mustCommand(t, "merge", domain.NewAggregateID("tallyMerge"), mergeRequest{Source: source, Target: target}))
	if err == nil || err.Error() != "nothing to merge" {
		t.Errorf("expected business error from the service, got %v", err)
	}
}
