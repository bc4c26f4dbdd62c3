package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// CommandProcessor runs commands against one aggregate type:
// replay, decide, number, check version, save, and snapshot.
//
// It holds no state between calls and takes no locks; concurrent writers
// are detected by the version check at save time and receive
// domain.ErrConcurrencyConflict. Retrying is left to the caller.
//
// Snapshots are written after the events were saved. A failed snapshot is
// logged and reported through OnSnapshotError but does not fail the command.
type CommandProcessor[S any] struct {
	aggregate Aggregate[S]
	store     store.EventStore
	cfg       config
}

// NewCommandProcessor creates a processor for aggregate backed by eventStore.
func NewCommandProcessor[S any](aggregate Aggregate[S], eventStore store.EventStore, opts ...Option) (*CommandProcessor[S], error) {
	if err := aggregate.validate(); err != nil {
		return nil, err
	}
	if eventStore == nil {
		return nil, errors.New("eventsourcing: event store is required")
	}
	cfg := newConfig(opts)
	if _, never := cfg.snapshots.(store.NeverSnapshot); !never {
		if err := aggregate.checkSnapshotState(); err != nil {
			return nil, err
		}
	}
	return &CommandProcessor[S]{
		aggregate: aggregate,
		store:     eventStore,
		cfg:       cfg,
	}, nil
}

// MustCommandProcessor is like NewCommandProcessor but panics on error.
func MustCommandProcessor[S any](aggregate Aggregate[S], eventStore store.EventStore, opts ...Option) *CommandProcessor[S] {
	p, err := NewCommandProcessor(aggregate, eventStore, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// AggregateType returns the aggregate type this processor handles.
func (p *CommandProcessor[S]) AggregateType() string {
	return p.aggregate.Type
}

// Handle implements CommandHandler. It returns the persisted events.
func (p *CommandProcessor[S]) Handle(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	id := cmd.AggregateID
	if id.Type != p.aggregate.Type {
		return nil, domain.Newf(domain.CodeCommandHandlerNotFound, "processor for %s cannot handle %s", p.aggregate.Type, id)
	}

	state, snapshotVersion, err := p.replay(ctx, id)
	if err != nil {
		return nil, err
	}

	decided, err := p.decide(state, cmd)
	if err != nil {
		return nil, err
	}

	events := p.number(state, cmd, decided)

	post, err := p.fold(ctx, state, events)
	if err != nil {
		return nil, domain.Wrap(domain.CodeEventDeciderError, "decided events cannot be applied", err)
	}

	current, err := p.store.GetLastEventVersion(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.CodeEventsCannotBeLoaded, fmt.Sprintf("read version of %s", id), err)
	}
	if current != state.Version {
		return nil, domain.Newf(domain.CodeConcurrencyConflict, "aggregate %s is at version %d, replayed %d", id, current, state.Version)
	}

	if err := p.store.SaveEvents(ctx, id, state.Version, events); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		return nil, domain.Wrap(domain.CodeEventsCannotBeSaved, fmt.Sprintf("save events of %s", id), err)
	}

	if p.cfg.snapshots.ShouldCreateSnapshot(post.Version, post.Version-snapshotVersion) {
		p.snapshot(ctx, post)
	}

	return events, nil
}

// Load replays the current state of an aggregate.
func (p *CommandProcessor[S]) Load(ctx context.Context, id domain.AggregateID) (domain.State[S], error) {
	state, _, err := p.replay(ctx, id)
	return state, err
}

// LoadAny is Load without the type parameter; it returns a domain.State[S].
func (p *CommandProcessor[S]) LoadAny(ctx context.Context, id domain.AggregateID) (any, error) {
	return p.Load(ctx, id)
}

// replay returns the current state and the version of the snapshot it
// started from (0 when none).
func (p *CommandProcessor[S]) replay(ctx context.Context, id domain.AggregateID) (domain.State[S], int64, error) {
	state := domain.State[S]{AggregateID: id, Data: p.aggregate.Init(id)}

	snap, err := p.store.GetSnapshot(ctx, id)
	if err != nil {
		return state, 0, domain.Wrap(domain.CodeSnapshotCannotBeLoaded, fmt.Sprintf("load snapshot of %s", id), err)
	}
	if snap != nil {
		var data S
		if err := json.Unmarshal(snap.Data, &data); err != nil {
			return state, 0, domain.Wrap(domain.CodeSnapshotCannotBeLoaded, fmt.Sprintf("decode snapshot of %s at version %d", id, snap.Version), err)
		}
		state.Data = data
		state.Version = snap.Version
	}

	events, err := p.store.GetEvents(ctx, id, state.Version)
	if err != nil {
		return state, 0, domain.Wrap(domain.CodeEventsCannotBeLoaded, fmt.Sprintf("load events of %s", id), err)
	}

	snapshotVersion := state.Version
	expected := state.Version
	for _, event := range events {
		if event.Version != expected+1 {
			return state, 0, domain.Newf(domain.CodeEventsCannotBeLoaded, "event stream of %s jumps from version %d to %d", id, expected, event.Version)
		}
		expected = event.Version
	}

	state, err = p.fold(ctx, state, events)
	if err != nil {
		return state, 0, domain.Wrap(domain.CodeEventsCannotBeLoaded, fmt.Sprintf("replay %s", id), err)
	}
	return state, snapshotVersion, nil
}

// fold applies events to state. Events the reducer does not know leave the
// data unchanged but still advance the version.
func (p *CommandProcessor[S]) fold(ctx context.Context, state domain.State[S], events []*domain.Event) (domain.State[S], error) {
	for _, event := range events {
		data, err := p.aggregate.Reduce(state.Data, event)
		switch {
		case errors.Is(err, domain.ErrUnknownEventType):
			p.cfg.logger.DebugContext(ctx, "reducer ignored unknown event type",
				slog.String("aggregate_type", p.aggregate.Type),
				slog.String("aggregate_id", event.AggregateID.ID),
				slog.String("event_type", event.Type),
				slog.Int64("version", event.Version),
			)
		case err != nil:
			return state, fmt.Errorf("apply %s at version %d: %w", event.Type, event.Version, err)
		default:
			state.Data = data
		}
		state.Version = event.Version
	}
	return state, nil
}

func (p *CommandProcessor[S]) decide(state domain.State[S], cmd domain.Command) (events []*domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = domain.Newf(domain.CodeEventDeciderError, "decider for %s panicked on %s: %v", p.aggregate.Type, cmd.Operation, r)
		}
	}()

	events, err = p.aggregate.Decide(state, cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.Newf(domain.CodeNoEventsGenerated, "%s on %s produced no events", cmd.Operation, cmd.AggregateID)
	}
	for i, e := range events {
		if e == nil || e.Type == "" {
			return nil, domain.Newf(domain.CodeEventDeciderError, "%s on %s produced an event without a type at index %d", cmd.Operation, cmd.AggregateID, i)
		}
	}
	return events, nil
}

// number assigns identity, version V+1.., timestamp and metadata to the
// decided events. Commands with an id get deterministic event ids.
func (p *CommandProcessor[S]) number(state domain.State[S], cmd domain.Command, decided []*domain.Event) []*domain.Event {
	now := domain.Now()

	correlationID := cmd.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = cmd.ID
	}

	events := make([]*domain.Event, len(decided))
	for i, d := range decided {
		e := *d
		e.AggregateID = state.AggregateID
		e.Version = state.Version + int64(i) + 1
		e.Timestamp = now
		if cmd.ID != "" {
			e.ID = domain.GenerateDeterministicEventID(cmd.ID, state.AggregateID, int(e.Version))
		} else {
			e.ID = p.cfg.newID()
		}
		e.Metadata = domain.EventMetadata{
			CausationID:   cmd.ID,
			CorrelationID: correlationID,
			PrincipalID:   cmd.Metadata.PrincipalID,
			Custom:        mergeCustom(cmd.Metadata.Custom, d.Metadata.Custom),
		}
		events[i] = &e
	}
	return events
}

func (p *CommandProcessor[S]) snapshot(ctx context.Context, state domain.State[S]) {
	data, err := json.Marshal(state.Data)
	if err == nil {
		err = p.store.SaveSnapshot(ctx, &domain.Snapshot{
			AggregateID: state.AggregateID,
			Version:     state.Version,
			Data:        data,
			Timestamp:   domain.Now(),
		})
	}
	if err == nil {
		return
	}

	serr := domain.Wrap(domain.CodeSnapshotCannotBeSaved, fmt.Sprintf("snapshot %s at version %d", state.AggregateID, state.Version), err)
	p.cfg.logger.WarnContext(ctx, "snapshot failed, events were saved",
		slog.String("aggregate_type", state.AggregateID.Type),
		slog.String("aggregate_id", state.AggregateID.ID),
		slog.Int64("version", state.Version),
		slog.String("error", serr.Error()),
	)
	if p.cfg.onSnapshotError != nil {
		p.cfg.onSnapshotError(ctx, state.AggregateID, serr)
	}
}

func mergeCustom(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
