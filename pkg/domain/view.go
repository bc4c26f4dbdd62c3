package domain

import (
	"math"
	"strconv"
	"strings"

	"github.com/barkimedes/go-deepcopy"
)

// Reserved view keys.
const (
	ViewKeyType = "type"
	ViewKeyID   = "id"
)

// View is a read model record: {type, id, ...fields}. Views are owned by the
// projections of one aggregate type and are created, mutated and deleted only
// in response to events.
type View map[string]any

// NewView returns a view with its type and id set.
func NewView(viewType, id string) View {
	return View{ViewKeyType: viewType, ViewKeyID: id}
}

// ID returns the view id.
func (v View) ID() string {
	id, _ := v[ViewKeyID].(string)
	return id
}

// Type returns the view type.
func (v View) Type() string {
	t, _ := v[ViewKeyType].(string)
	return t
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	if v == nil {
		return nil
	}
	cp, err := deepcopy.Anything(map[string]any(v))
	if err != nil {
		// deepcopy rejects chan and func fields.
		out := make(View, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	}
	return View(cp.(map[string]any))
}

// Int returns a numeric field as int64. JSON decoding produces float64, in
// memory views hold ints; both are accepted. Fractions are truncated.
func (v View) Int(key string) int64 {
	switch f := v[key].(type) {
	case float64:
		return int64(f)
	case float32:
		return int64(f)
	}
	n, _ := toInt64(v[key])
	return n
}

func toInt64(val any) (int64, bool) {
	switch n := val.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// floatToInt64 accepts only whole numbers inside the int64 range.
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
