package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/plaenen/eventcore/pkg/domain"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrNotFound is returned by ReadDatabase.GetByID when no view exists.
var ErrNotFound = errors.New("view not found")

// ReadDatabase persists views.
type ReadDatabase interface {
	// GetByID returns a view, or ErrNotFound.
	GetByID(ctx context.Context, viewType, id string) (domain.View, error)

	// GetList returns the views of a type matching opts.
	GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error)

	// Save creates or replaces a view.
	Save(ctx context.Context, viewType string, view domain.View) error

	// Delete removes a view. Deleting a missing view is not an error.
	Delete(ctx context.Context, viewType, id string) error
}

// ApplyListOptions filters, sorts and paginates views in memory.
// Strings are ordered with the root collation.
func ApplyListOptions(views []domain.View, opts domain.ListOptions) []domain.View {
	out := make([]domain.View, 0, len(views))
	for _, v := range views {
		if MatchesFilter(v, opts.Filter) {
			out = append(out, v)
		}
	}

	if opts.SortBy != "" {
		SortViews(out, opts.SortBy, opts.SortOrder)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.View{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}

// MatchesFilter reports whether every filter field equals the view's field.
func MatchesFilter(v domain.View, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := v[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// SortViews sorts views by a field, stably. Missing fields sort first.
func SortViews(views []domain.View, field string, order domain.SortOrder) {
	c := collate.New(language.Und)
	slices.SortStableFunc(views, func(a, b domain.View) int {
		r := compareValues(c, a[field], b[field])
		if order == domain.SortDesc {
			return -r
		}
		return r
	})
}

func compareValues(c *collate.Collator, a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return c.CompareString(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	}

	return c.CompareString(fmt.Sprint(a), fmt.Sprint(b))
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
