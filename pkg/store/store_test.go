package store_test

import (
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestIntervalSnapshotStrategy(t *testing.T) {
	s := store.NewIntervalSnapshotStrategy(3)
	assert.False(t, s.ShouldCreateSnapshot(2, 2))
	assert.True(t, s.ShouldCreateSnapshot(3, 3))
	assert.True(t, s.ShouldCreateSnapshot(7, 4))

	assert.False(t, store.NewIntervalSnapshotStrategy(0).ShouldCreateSnapshot(100, 100))
	assert.False(t, store.NeverSnapshot{}.ShouldCreateSnapshot(100, 100))
}

func TestValidateBatch(t *testing.T) {
	id := domain.NewAggregateID("counter")

	ok := []*domain.Event{{AggregateID: id, Version: 3}, {AggregateID: id, Version: 4}}
	assert.NoError(t, store.ValidateBatch(id, 2, ok))

	gap := []*domain.Event{{AggregateID: id, Version: 3}, {AggregateID: id, Version: 5}}
	assert.ErrorIs(t, store.ValidateBatch(id, 2, gap), domain.ErrConcurrencyConflict)

	foreign := []*domain.Event{{AggregateID: domain.NewAggregateID("counter"), Version: 1}}
	assert.Equal(t, domain.CodeEventsCannotBeSaved, domain.CodeOf(store.ValidateBatch(id, 0, foreign)))
}

func TestApplyListOptions(t *testing.T) {
	views := []domain.View{
		{"id": "1", "name": "émile", "count": 3.0},
		{"id": "2", "name": "Zoe", "count": 1},
		{"id": "3", "name": "adam"},
		{"id": "4", "name": "Bea", "count": int64(2)},
	}

	byCount := store.ApplyListOptions(views, domain.ListOptions{SortBy: "count"})
	assert.Equal(t, []string{"3", "2", "4", "1"}, ids(byCount))

	byName := store.ApplyListOptions(views, domain.ListOptions{SortBy: "name"})
	assert.Equal(t, []string{"3", "4", "1", "2"}, ids(byName))

	desc := store.ApplyListOptions(views, domain.ListOptions{SortBy: "count", SortOrder: domain.SortDesc, Limit: 2})
	assert.Equal(t, []string{"1", "4"}, ids(desc))

	filtered := store.ApplyListOptions(views, domain.ListOptions{Filter: map[string]any{"count": 2}})
	assert.Equal(t, []string{"4"}, ids(filtered))

	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(views), "input must not be reordered")
}

func ids(views []domain.View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID()
	}
	return out
}
