package memory_test

import (
	"context"
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/plaenen/eventcore/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStore(t *testing.T) {
	storetest.RunEventStoreTests(t, func(t *testing.T) store.EventStore {
		return memory.NewEventStore()
	})
}

func TestReadDatabase(t *testing.T) {
	storetest.RunReadDatabaseTests(t, func(t *testing.T) store.ReadDatabase {
		return memory.NewReadDatabase()
	})
}

func TestReadDatabaseCopiesViews(t *testing.T) {
	ctx := context.Background()
	db := memory.NewReadDatabase()

	v := domain.NewView("counters", "a")
	v["count"] = 1
	require.NoError(t, db.Save(ctx, "counters", v))

	v["count"] = 99
	got, err := db.GetByID(ctx, "counters", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Int("count"))

	got["count"] = 42
	again, err := db.GetByID(ctx, "counters", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Int("count"))
}

func TestEventStoreKeepsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memory.NewEventStore()
	id := domain.NewAggregateID("counter")

	require.NoError(t, s.SaveSnapshot(ctx, &domain.Snapshot{AggregateID: id, Version: 10, Data: []byte(`{}`)}))
	require.NoError(t, s.SaveSnapshot(ctx, &domain.Snapshot{AggregateID: id, Version: 4, Data: []byte(`{}`)}))

	snap, err := s.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Version)
}

func TestCheckpointStore(t *testing.T) {
	storetest.RunCheckpointStoreTests(t, func(t *testing.T) store.CheckpointStore {
		return memory.NewCheckpointStore()
	})
}
