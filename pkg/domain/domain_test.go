package domain_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestAggregateID(t *testing.T) {
	t.Run("RoundTripText", func(t *testing.T) {
		id := domain.NewAggregateID("counter")
		require.NoError(t, id.Validate())

		parsed, err := domain.ParseAggregateID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("RejectsMalformed", func(t *testing.T) {
		for _, s := range []string{"", "counter", "counter#not-a-uuid", "#6f1c5b9e-8a43-4a4e-9a57-1fdc1c6e0f10", "1counter#6f1c5b9e-8a43-4a4e-9a57-1fdc1c6e0f10"} {
			_, err := domain.ParseAggregateID(s)
			require.Error(t, err, s)
			assert.Equal(t, domain.CodeInvalidAggregateID, domain.CodeOf(err), s)
		}
	})

	t.Run("JSON", func(t *testing.T) {
		id := domain.NewAggregateID("counter")
		data, err := json.Marshal(struct {
			ID domain.AggregateID `json:"id"`
		}{id})
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"id":%q}`, id.String()), string(data))

		var out struct {
			ID domain.AggregateID `json:"id"`
		}
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, id, out.ID)
	})
}

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("save: %w", domain.Wrap(domain.CodeConcurrencyConflict, "expected 2, found 3", errors.New("boom")))

	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.CodeConcurrencyConflict, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "CONCURRENCY_CONFLICT")
	assert.Contains(t, err.Error(), "boom")

	other := domain.New(domain.CodeViewNotFound, "missing")
	assert.False(t, errors.Is(other, domain.ErrConcurrencyConflict))
	assert.False(t, domain.IsRetryable(other))
	assert.Equal(t, domain.Code(""), domain.CodeOf(errors.New("plain")))
}

func TestPayloadCodec(t *testing.T) {
	t.Run("Struct", func(t *testing.T) {
		evt, err := domain.NewEvent("incremented", map[string]int{"amount": 2})
		require.NoError(t, err)

		var payload struct{ Amount int }
		require.NoError(t, evt.Decode(&payload))
		assert.Equal(t, 2, payload.Amount)
	})

	t.Run("Protobuf", func(t *testing.T) {
		evt, err := domain.NewEvent("renamed", wrapperspb.String("alice"))
		require.NoError(t, err)
		assert.JSONEq(t, `"alice"`, string(evt.Payload))

		var out wrapperspb.StringValue
		require.NoError(t, evt.Decode(&out))
		assert.Equal(t, "alice", out.GetValue())
	})

	t.Run("InvalidRawBytes", func(t *testing.T) {
		_, err := domain.NewEvent("x", []byte("{"))
		assert.Equal(t, domain.CodeInvalidPayload, domain.CodeOf(err))
	})
}

func TestListOptionsFromParams(t *testing.T) {
	opts, err := domain.ListOptionsFromParams(map[string]any{
		"limit":     float64(1),
		"offset":    2,
		"sortBy":    "count",
		"sortOrder": "DESC",
		"filter":    map[string]any{"owner": "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ListOptions{
		Limit:     1,
		Offset:    2,
		SortBy:    "count",
		SortOrder: domain.SortDesc,
		Filter:    map[string]any{"owner": "bob"},
	}, opts)

	_, err = domain.ListOptionsFromParams(map[string]any{"limit": -1})
	assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))

	_, err = domain.ListOptionsFromParams(map[string]any{"sortOrder": "sideways"})
	assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err))

	t.Run("WholeNumbersOnly", func(t *testing.T) {
		opts, err := domain.ListOptionsFromParams(map[string]any{
			"limit":  json.Number("10"),
			"offset": "4",
		})
		require.NoError(t, err)
		assert.Equal(t, 10, opts.Limit)
		assert.Equal(t, 4, opts.Offset)

		for _, params := range []map[string]any{
			{"limit": 2.5},
			{"offset": float32(0.5)},
			{"limit": json.Number("1.5")},
			{"offset": "2.5"},
			{"limit": math.NaN()},
			{"limit": math.Inf(1)},
		} {
			_, err := domain.ListOptionsFromParams(params)
			assert.Equal(t, domain.CodeInvalidQuery, domain.CodeOf(err), "%v", params)
		}
	})
}

func TestViewClone(t *testing.T) {
	v := domain.NewView("counters", "a")
	v["tags"] = []any{"x"}

	cp := v.Clone()
	cp["tags"].([]any)[0] = "y"
	cp["count"] = 1

	assert.Equal(t, "x", v["tags"].([]any)[0])
	assert.NotContains(t, v, "count")
	assert.Equal(t, "a", cp.ID())
	assert.Equal(t, "counters", cp.Type())
}
