package store

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
)

// EventStore defines the interface for persisting and retrieving events and
// snapshots. Implementations must make SaveEvents atomic.
type EventStore interface {
	// GetEvents returns the events of an aggregate with a version strictly
	// greater than fromVersion, ordered by version.
	GetEvents(ctx context.Context, id domain.AggregateID, fromVersion int64) ([]*domain.Event, error)

	// GetLastEventVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error)

	// SaveEvents appends events to an aggregate's stream atomically.
	// Returns domain.ErrConcurrencyConflict if the stream is not at
	// expectedVersion or the batch does not continue it without gaps.
	SaveEvents(ctx context.Context, id domain.AggregateID, expectedVersion int64, events []*domain.Event) error

	SnapshotStore
}

// SnapshotStore defines the interface for snapshot persistence.
type SnapshotStore interface {
	// GetSnapshot returns the latest snapshot of an aggregate, or nil when
	// there is none.
	GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error)

	// SaveSnapshot persists a snapshot, replacing older ones.
	SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
}

// EventLog is implemented by stores that can stream every event in append
// order, used to rebuild views.
type EventLog interface {
	// LoadAllEvents returns up to limit events with a position greater than
	// fromPosition, and the position of the last returned event.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error)
}

// ValidateBatch checks that events continue a stream at expectedVersion
// without gaps and all belong to id.
func ValidateBatch(id domain.AggregateID, expectedVersion int64, events []*domain.Event) error {
	for i, event := range events {
		if event.AggregateID != id {
			return domain.Newf(domain.CodeEventsCannotBeSaved, "event %s belongs to %s, not %s", event.ID, event.AggregateID, id)
		}
		if want := expectedVersion + int64(i) + 1; event.Version != want {
			return domain.Newf(domain.CodeConcurrencyConflict, "version gap in batch: event version %d, expected %d", event.Version, want)
		}
	}
	return nil
}

// Combine returns an EventStore that keeps events in events and snapshots in
// snapshots, e.g. a SQL event log with snapshots offloaded to blob storage.
func Combine(events EventStore, snapshots SnapshotStore) EventStore {
	return &combinedStore{EventStore: events, snapshots: snapshots}
}

type combinedStore struct {
	EventStore
	snapshots SnapshotStore
}

func (s *combinedStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	return s.snapshots.GetSnapshot(ctx, id)
}

func (s *combinedStore) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	return s.snapshots.SaveSnapshot(ctx, snapshot)
}

// LoadAllEvents forwards to the wrapped event store when it is an EventLog.
func (s *combinedStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error) {
	log, ok := s.EventStore.(EventLog)
	if !ok {
		return nil, fromPosition, domain.New(domain.CodeEventsCannotBeLoaded, "event store cannot stream all events")
	}
	return log.LoadAllEvents(ctx, fromPosition, limit)
}
