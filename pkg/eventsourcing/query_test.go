package eventsourcing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tallyResolver() eventsourcing.Resolver {
	return eventsourcing.Resolver{
		Name: "tallies",
		Operations: map[string]eventsourcing.Resolution{
			"tally":     {"tally": eventsourcing.GetByID{ViewType: "tallies"}},
			"tallyList": {"tallies": eventsourcing.GetList{ViewType: "tallies"}},
			"dashboard": {
				"first": eventsourcing.GetByID{ViewType: "tallies", ID: func(domain.Query) (string, error) { return "a", nil }},
				"all":   eventsourcing.GetList{ViewType: "tallies"},
			},
		},
	}
}

func seedTallies(t *testing.T, counts map[string]int) *memory.ReadDatabase {
	t.Helper()
	db := memory.NewReadDatabase()
	for id, count := range counts {
		v := domain.NewView("tallies", id)
		v["count"] = count
		require.NoError(t, db.Save(context.Background(), "tallies", v))
	}
	return db
}

func TestQueryBusListScenario(t *testing.T) {
	ctx := context.Background()
	db := seedTallies(t, map[string]int{"a": 3, "b": 1, "c": 2})
	bus := eventsourcing.NewQueryBus(db)
	require.NoError(t, bus.RegisterResolver(tallyResolver()))

	q := domain.NewQuery("tallyList", map[string]any{"limit": 1, "sortBy": "count", "sortOrder": "asc"})
	result, err := bus.Dispatch(ctx, q)
	require.NoError(t, err)

	views, ok := result["tallies"].([]domain.View)
	require.True(t, ok)
	require.Len(t, views, 1)
	assert.Equal(t, int64(1), views[0].Int("count"))
	assert.Equal(t, "b", views[0].ID())

	again, err := bus.Dispatch(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, result, again)
}

func TestQueryBusGetByID(t *testing.T) {
	ctx := context.Background()
	db := seedTallies(t, map[string]int{"a": 3})
	bus := eventsourcing.NewQueryBus(db)
	require.NoError(t, bus.RegisterResolver(tallyResolver()))

	result, err := bus.Dispatch(ctx, domain.NewQuery("tally", map[string]any{"id": "a"}))
	require.NoError(t, err)
	view := result["tally"].(domain.View)
	assert.Equal(t, int64(3), view.Int("count"))

	// Results are copies.
	view["count"] = 100
	stored, err := db.GetByID(ctx, "tallies", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Int("count"))

	_, err = bus.Dispatch(ctx, domain.NewQuery("tally", map[string]any{"id": "zzz"}))
	assert.Equal(t, domain.CodeViewNotFound, domain.CodeOf(err))

	_, err = bus.Dispatch(ctx, domain.NewQuery("tally", nil))
	assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))
}

func TestQueryBusMultipleResults(t *testing.T) {
	ctx := context.Background()
	bus := eventsourcing.NewQueryBus(seedTallies(t, map[string]int{"a": 3, "b": 1}))
	require.NoError(t, bus.RegisterResolver(tallyResolver()))

	result, err := bus.Dispatch(ctx, domain.NewQuery("dashboard", nil))
	require.NoError(t, err)
	assert.Len(t, result, 2)
	assert.Equal(t, "a", result["first"].(domain.View).ID())
	assert.Len(t, result["all"].([]domain.View), 2)
}

func TestQueryBusErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownOperation", func(t *testing.T) {
		bus := eventsourcing.NewQueryBus(memory.NewReadDatabase())
		_, err := bus.Dispatch(ctx, domain.NewQuery("nope", nil))
		assert.Equal(t, domain.CodeQueryHandlerNotFound, domain.CodeOf(err))

		_, err = bus.Dispatch(ctx, domain.NewQuery("", nil))
		assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))
	})

	t.Run("DuplicateOperation", func(t *testing.T) {
		bus := eventsourcing.NewQueryBus(memory.NewReadDatabase())
		require.NoError(t, bus.RegisterResolver(tallyResolver()))
		err := bus.RegisterResolver(eventsourcing.Resolver{
			Name:       "other",
			Operations: map[string]eventsourcing.Resolution{"tally": {"x": eventsourcing.GetByID{ViewType: "x"}}},
		})
		assert.Error(t, err)
		assert.Equal(t, []string{"dashboard", "tally", "tallyList"}, bus.Operations())
	})

	t.Run("BadListParams", func(t *testing.T) {
		bus := eventsourcing.NewQueryBus(memory.NewReadDatabase())
		require.NoError(t, bus.RegisterResolver(tallyResolver()))
		_, err := bus.Dispatch(ctx, domain.NewQuery("tallyList", map[string]any{"limit": "many"}))
		assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))
	})

	t.Run("ReadFailureAbortsQuery", func(t *testing.T) {
		db := &failingReadDB{ReadDatabase: seedTallies(t, map[string]int{"a": 1}), failList: true}
		bus := eventsourcing.NewQueryBus(db)
		require.NoError(t, bus.RegisterResolver(tallyResolver()))

		result, err := bus.Dispatch(ctx, domain.NewQuery("dashboard", nil))
		assert.Nil(t, result)
		assert.Equal(t, domain.CodeReadDatabaseError, domain.CodeOf(err))
	})

	t.Run("CustomParamError", func(t *testing.T) {
		bus := eventsourcing.NewQueryBus(memory.NewReadDatabase())
		require.NoError(t, bus.RegisterResolver(eventsourcing.Resolver{
			Name: "strict",
			Operations: map[string]eventsourcing.Resolution{
				"strict": {"x": eventsourcing.GetByID{ViewType: "x", ID: func(domain.Query) (string, error) {
					return "", errors.New("missing tenant")
				}}},
			},
		}))
		_, err := bus.Dispatch(ctx, domain.NewQuery("strict", nil))
		assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))
	})
}
