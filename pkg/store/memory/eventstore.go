// Package memory provides in-memory implementations of the store ports.
// They are safe for concurrent use and intended for tests and single
// process deployments.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventStore is an in-memory store.EventStore.
type EventStore struct {
	mu        sync.RWMutex
	streams   map[domain.AggregateID][]*domain.Event
	log       []*domain.Event
	snapshots map[domain.AggregateID]*domain.Snapshot
}

var (
	_ store.EventStore = (*EventStore)(nil)
	_ store.EventLog   = (*EventStore)(nil)
)

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		streams:   make(map[domain.AggregateID][]*domain.Event),
		snapshots: make(map[domain.AggregateID]*domain.Snapshot),
	}
}

// GetEvents implements store.EventStore.
func (s *EventStore) GetEvents(ctx context.Context, id domain.AggregateID, fromVersion int64) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[id]
	events := make([]*domain.Event, 0, len(stream))
	for _, e := range stream {
		if e.Version > fromVersion {
			events = append(events, copyEvent(e))
		}
	}
	return events, nil
}

// GetLastEventVersion implements store.EventStore.
func (s *EventStore) GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastVersion(s.streams[id]), nil
}

// SaveEvents implements store.EventStore.
func (s *EventStore) SaveEvents(ctx context.Context, id domain.AggregateID, expectedVersion int64, events []*domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := store.ValidateBatch(id, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := lastVersion(s.streams[id]); current != expectedVersion {
		return domain.Newf(domain.CodeConcurrencyConflict, "aggregate %s is at version %d, expected %d", id, current, expectedVersion)
	}

	for _, e := range events {
		cp := copyEvent(e)
		s.streams[id] = append(s.streams[id], cp)
		s.log = append(s.log, cp)
	}
	return nil
}

// LoadAllEvents implements store.EventLog. Positions are 1-based indexes
// into the append log.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fromPosition, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition >= int64(len(s.log)) {
		return nil, fromPosition, nil
	}

	end := int64(len(s.log))
	if limit > 0 && fromPosition+int64(limit) < end {
		end = fromPosition + int64(limit)
	}

	events := make([]*domain.Event, 0, end-fromPosition)
	for _, e := range s.log[fromPosition:end] {
		events = append(events, copyEvent(e))
	}
	return events, end, nil
}

// GetSnapshot implements store.SnapshotStore.
func (s *EventStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.Data = slices.Clone(snap.Data)
	return &cp, nil
}

// SaveSnapshot implements store.SnapshotStore. Snapshots older than the one
// already stored are ignored.
func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[snapshot.AggregateID]; ok && existing.Version > snapshot.Version {
		return nil
	}
	cp := *snapshot
	cp.Data = slices.Clone(snapshot.Data)
	s.snapshots[snapshot.AggregateID] = &cp
	return nil
}

func lastVersion(stream []*domain.Event) int64 {
	if len(stream) == 0 {
		return 0
	}
	return stream[len(stream)-1].Version
}

func copyEvent(e *domain.Event) *domain.Event {
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	return &cp
}
