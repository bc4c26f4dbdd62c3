package domain

import (
	"strings"
)

// Query is a read-only request resolved against the read database.
type Query struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// NewQuery builds a query with the given params.
func NewQuery(operation string, params map[string]any) Query {
	return Query{Operation: operation, Params: params}
}

// Param returns a query parameter.
func (q Query) Param(key string) (any, bool) {
	v, ok := q.Params[key]
	return v, ok
}

// StringParam returns a string query parameter, or "" when absent.
func (q Query) StringParam(key string) string {
	s, _ := q.Params[key].(string)
	return s
}

// SortOrder controls list ordering.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListOptions controls a list retrieval. Zero values mean "no limit",
// "from the start", "store order" and "no filter".
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder SortOrder

	// Filter matches views whose fields equal the given values.
	Filter map[string]any
}

// ListOptionsFromParams reads limit, offset, sortBy, sortOrder and filter from
// query params.
func ListOptionsFromParams(params map[string]any) (ListOptions, error) {
	var opts ListOptions

	if v, ok := params["limit"]; ok && v != nil {
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return ListOptions{}, Newf(CodeInvalidQuery, "invalid limit %v", v)
		}
		opts.Limit = int(n)
	}

	if v, ok := params["offset"]; ok && v != nil {
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return ListOptions{}, Newf(CodeInvalidQuery, "invalid offset %v", v)
		}
		opts.Offset = int(n)
	}

	if v, ok := params["sortBy"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return ListOptions{}, Newf(CodeInvalidQuery, "invalid sortBy %v", v)
		}
		opts.SortBy = s
	}

	if v, ok := params["sortOrder"]; ok && v != nil {
		s, _ := v.(string)
		switch SortOrder(strings.ToLower(s)) {
		case SortAsc, "":
			opts.SortOrder = SortAsc
		case SortDesc:
			opts.SortOrder = SortDesc
		default:
			return ListOptions{}, Newf(CodeInvalidQuery, "invalid sortOrder %v", v)
		}
	}

	if v, ok := params["filter"]; ok && v != nil {
		f, ok := v.(map[string]any)
		if !ok {
			return ListOptions{}, Newf(CodeInvalidQuery, "filter must be an object")
		}
		opts.Filter = f
	}

	return opts, nil
}
