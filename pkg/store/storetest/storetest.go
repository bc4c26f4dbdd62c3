// Package storetest contains conformance tests shared by the store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewEvents returns n events for id numbered from fromVersion+1.
func NewEvents(id domain.AggregateID, fromVersion int64, n int) []*domain.Event {
	events := make([]*domain.Event, n)
	for i := range n {
		v := fromVersion + int64(i) + 1
		events[i] = &domain.Event{
			ID:          fmt.Sprintf("%s-%d", id.ID, v),
			AggregateID: id,
			Type:        "incremented",
			Version:     v,
			Payload:     []byte(fmt.Sprintf(`{"amount":%d}`, v)),
			Timestamp:   time.Unix(1700000000+v, 0).UTC(),
			Metadata: domain.EventMetadata{
				CausationID:   "cmd-" + id.ID,
				CorrelationID: "corr-1",
			},
		}
	}
	return events
}

// RunEventStoreTests runs the EventStore contract against stores created by newStore.
func RunEventStoreTests(t *testing.T, newStore func(t *testing.T) store.EventStore) {
	ctx := context.Background()

	t.Run("EmptyStream", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")

		version, err := s.GetLastEventVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), version)

		events, err := s.GetEvents(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		snap, err := s.GetSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")

		require.NoError(t, s.SaveEvents(ctx, id, 0, NewEvents(id, 0, 3)))
		require.NoError(t, s.SaveEvents(ctx, id, 3, NewEvents(id, 3, 2)))

		version, err := s.GetLastEventVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), version)

		events, err := s.GetEvents(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, id, e.AggregateID)
			assert.Equal(t, "incremented", e.Type)
			assert.JSONEq(t, fmt.Sprintf(`{"amount":%d}`, i+1), string(e.Payload))
			assert.Equal(t, "corr-1", e.Metadata.CorrelationID)
			assert.True(t, e.Timestamp.Equal(time.Unix(1700000000+int64(i+1), 0)))
		}

		tail, err := s.GetEvents(ctx, id, 3)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(4), tail[0].Version)
	})

	t.Run("StreamsAreIndependent", func(t *testing.T) {
		s := newStore(t)
		a := domain.NewAggregateID("counter")
		b := domain.NewAggregateID("counter")

		require.NoError(t, s.SaveEvents(ctx, a, 0, NewEvents(a, 0, 2)))
		require.NoError(t, s.SaveEvents(ctx, b, 0, NewEvents(b, 0, 1)))

		va, err := s.GetLastEventVersion(ctx, a)
		require.NoError(t, err)
		vb, err := s.GetLastEventVersion(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, int64(2), va)
		assert.Equal(t, int64(1), vb)
	})

	t.Run("RejectsStaleExpectedVersion", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")
		require.NoError(t, s.SaveEvents(ctx, id, 0, NewEvents(id, 0, 2)))

		err := s.SaveEvents(ctx, id, 1, NewEvents(id, 1, 1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)

		version, err := s.GetLastEventVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})

	t.Run("RejectsVersionGap", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")

		err := s.SaveEvents(ctx, id, 0, NewEvents(id, 1, 1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict), "got %v", err)

		events, err := s.GetEvents(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")
		require.NoError(t, s.SaveEvents(ctx, id, 0, NewEvents(id, 0, 1)))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch := NewEvents(id, 1, 1)
				batch[0].ID = fmt.Sprintf("writer-%d", w)
				err := s.SaveEvents(ctx, id, 1, batch)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, domain.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		events, err := s.GetEvents(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Version)
		assert.Equal(t, int64(2), events[1].Version)
	})

	t.Run("Snapshots", func(t *testing.T) {
		s := newStore(t)
		id := domain.NewAggregateID("counter")

		require.NoError(t, s.SaveSnapshot(ctx, &domain.Snapshot{
			AggregateID: id, Version: 5, Data: []byte(`{"count":5}`), Timestamp: time.Unix(1700000000, 0),
		}))
		require.NoError(t, s.SaveSnapshot(ctx, &domain.Snapshot{
			AggregateID: id, Version: 10, Data: []byte(`{"count":10}`), Timestamp: time.Unix(1700000100, 0),
		}))

		snap, err := s.GetSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(10), snap.Version)
		assert.Equal(t, id, snap.AggregateID)
		assert.JSONEq(t, `{"count":10}`, string(snap.Data))

		other, err := s.GetSnapshot(ctx, domain.NewAggregateID("counter"))
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("LoadAllEvents", func(t *testing.T) {
		s := newStore(t)
		log, ok := s.(store.EventLog)
		if !ok {
			t.Skip("store does not implement store.EventLog")
		}
		a := domain.NewAggregateID("counter")
		b := domain.NewAggregateID("counter")
		require.NoError(t, s.SaveEvents(ctx, a, 0, NewEvents(a, 0, 2)))
		require.NoError(t, s.SaveEvents(ctx, b, 0, NewEvents(b, 0, 1)))
		require.NoError(t, s.SaveEvents(ctx, a, 2, NewEvents(a, 2, 1)))

		first, pos, err := log.LoadAllEvents(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, a, first[0].AggregateID)

		rest, _, err := log.LoadAllEvents(ctx, pos, 10)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, b, rest[0].AggregateID)
		assert.Equal(t, a, rest[1].AggregateID)
		assert.Equal(t, int64(3), rest[1].Version)
	})
}

// RunReadDatabaseTests runs the ReadDatabase contract against databases created by newDB.
func RunReadDatabaseTests(t *testing.T, newDB func(t *testing.T) store.ReadDatabase) {
	ctx := context.Background()

	counter := func(id string, count int, owner string) domain.View {
		v := domain.NewView("counters", id)
		v["count"] = count
		v["owner"] = owner
		return v
	}

	t.Run("GetByIDNotFound", func(t *testing.T) {
		db := newDB(t)
		_, err := db.GetByID(ctx, "counters", "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SaveGetDelete", func(t *testing.T) {
		db := newDB(t)
		require.NoError(t, db.Save(ctx, "counters", counter("a", 1, "bob")))

		v, err := db.GetByID(ctx, "counters", "a")
		require.NoError(t, err)
		assert.Equal(t, "a", v.ID())
		assert.Equal(t, "counters", v.Type())
		assert.Equal(t, int64(1), v.Int("count"))

		v["count"] = 2
		require.NoError(t, db.Save(ctx, "counters", v))
		v, err = db.GetByID(ctx, "counters", "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), v.Int("count"))

		require.NoError(t, db.Delete(ctx, "counters", "a"))
		_, err = db.GetByID(ctx, "counters", "a")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, db.Delete(ctx, "counters", "a"))
	})

	t.Run("TypesAreIsolated", func(t *testing.T) {
		db := newDB(t)
		require.NoError(t, db.Save(ctx, "counters", counter("a", 1, "bob")))
		_, err := db.GetByID(ctx, "accounts", "a")
		assert.ErrorIs(t, err, store.ErrNotFound)

		list, err := db.GetList(ctx, "accounts", domain.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ListSortLimitOffset", func(t *testing.T) {
		db := newDB(t)
		require.NoError(t, db.Save(ctx, "counters", counter("a", 3, "bob")))
		require.NoError(t, db.Save(ctx, "counters", counter("b", 1, "alice")))
		require.NoError(t, db.Save(ctx, "counters", counter("c", 2, "bob")))

		list, err := db.GetList(ctx, "counters", domain.ListOptions{Limit: 1, SortBy: "count", SortOrder: domain.SortAsc})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(1), list[0].Int("count"))

		list, err = db.GetList(ctx, "counters", domain.ListOptions{SortBy: "count", SortOrder: domain.SortDesc})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []int64{3, 2, 1}, counts(list))

		list, err = db.GetList(ctx, "counters", domain.ListOptions{SortBy: "count", Offset: 1, Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, counts(list))

		list, err = db.GetList(ctx, "counters", domain.ListOptions{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ListFilter", func(t *testing.T) {
		db := newDB(t)
		require.NoError(t, db.Save(ctx, "counters", counter("a", 3, "bob")))
		require.NoError(t, db.Save(ctx, "counters", counter("b", 1, "alice")))
		require.NoError(t, db.Save(ctx, "counters", counter("c", 2, "bob")))

		list, err := db.GetList(ctx, "counters", domain.ListOptions{
			Filter: map[string]any{"owner": "bob"}, SortBy: "count",
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, counts(list))

		list, err = db.GetList(ctx, "counters", domain.ListOptions{Filter: map[string]any{"count": 1}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b", list[0].ID())
	})
}

func counts(views []domain.View) []int64 {
	out := make([]int64, len(views))
	for i, v := range views {
		out[i] = v.Int("count")
	}
	return out
}

// RunCheckpointStoreTests runs the CheckpointStore contract.
func RunCheckpointStoreTests(t *testing.T, newStore func(t *testing.T) store.CheckpointStore) {
	ctx := context.Background()

	t.Run("MissingIsNil", func(t *testing.T) {
		s := newStore(t)
		cp, err := s.LoadCheckpoint(ctx, "counters")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("SaveOverwriteDelete", func(t *testing.T) {
		s := newStore(t)
		now := time.Unix(1700000000, 0).UTC()

		require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{Name: "counters", Position: 3, LastEventID: "e3", UpdatedAt: now}))
		require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{Name: "counters", Position: 7, LastEventID: "e7", UpdatedAt: now}))
		require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{Name: "accounts", Position: 1, LastEventID: "e1", UpdatedAt: now}))

		cp, err := s.LoadCheckpoint(ctx, "counters")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, int64(7), cp.Position)
		assert.Equal(t, "e7", cp.LastEventID)
		assert.True(t, now.Equal(cp.UpdatedAt))

		require.NoError(t, s.DeleteCheckpoint(ctx, "counters"))
		cp, err = s.LoadCheckpoint(ctx, "counters")
		require.NoError(t, err)
		assert.Nil(t, cp)

		other, err := s.LoadCheckpoint(ctx, "accounts")
		require.NoError(t, err)
		require.NotNil(t, other)
		assert.Equal(t, int64(1), other.Position)
	})
}
