package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// ReadDatabase implements store.ReadDatabase on SQLite. Views are stored as
// JSON documents; filters and sorting run in SQL through json_extract.
type ReadDatabase struct {
	db *DB
}

var _ store.ReadDatabase = (*ReadDatabase)(nil)

// NewReadDatabase creates a read database on db.
func NewReadDatabase(db *DB) *ReadDatabase {
	return &ReadDatabase{db: db}
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// GetByID implements store.ReadDatabase.
func (r *ReadDatabase) GetByID(ctx context.Context, viewType, id string) (domain.View, error) {
	var data string
	err := r.db.db.QueryRowContext(ctx,
		`SELECT data FROM views WHERE view_type = ? AND view_id = ?`, viewType, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s/%s: %w", viewType, id, err)
	}
	return decodeView(data)
}

// GetList implements store.ReadDatabase. Without a sort field views are
// returned in id order, like the in-memory database. Filters on objects or
// arrays are evaluated in Go.
func (r *ReadDatabase) GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error) {
	if !scalarFilter(opts.Filter) {
		all, err := r.list(ctx, `SELECT data FROM views WHERE view_type = ? ORDER BY view_id ASC`, viewType)
		if err != nil {
			return nil, err
		}
		return store.ApplyListOptions(all, opts), nil
	}

	var (
		query strings.Builder
		args  = []any{viewType}
	)
	query.WriteString(`SELECT data FROM views WHERE view_type = ?`)

	for _, key := range sortedKeys(opts.Filter) {
		if !fieldPattern.MatchString(key) {
			return nil, domain.Newf(domain.CodeInvalidQuery, "invalid filter field %q", key)
		}
		fmt.Fprintf(&query, ` AND json_extract(data, '$.%s') = ?`, key)
		args = append(args, bindValue(opts.Filter[key]))
	}

	query.WriteString(` ORDER BY `)
	if opts.SortBy != "" {
		if !fieldPattern.MatchString(opts.SortBy) {
			return nil, domain.Newf(domain.CodeInvalidQuery, "invalid sort field %q", opts.SortBy)
		}
		dir := "ASC"
		if opts.SortOrder == domain.SortDesc {
			dir = "DESC"
		}
		fmt.Fprintf(&query, `json_extract(data, '$.%s') %s, `, opts.SortBy, dir)
	}
	query.WriteString(`view_id ASC`)

	if opts.Limit > 0 || opts.Offset > 0 {
		limit := -1
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, opts.Offset)
	}

	return r.list(ctx, query.String(), args...)
}

func (r *ReadDatabase) list(ctx context.Context, query string, args ...any) ([]domain.View, error) {
	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	views := []domain.View{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		v, err := decodeView(data)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate views: %w", err)
	}
	return views, nil
}

// Save implements store.ReadDatabase.
func (r *ReadDatabase) Save(ctx context.Context, viewType string, view domain.View) error {
	id := view.ID()
	if id == "" {
		return domain.New(domain.CodeSaveViewFailed, "view has no id")
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view %s/%s: %w", viewType, id, err)
	}

	return r.db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO views (view_type, view_id, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (view_type, view_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			viewType, id, string(data), domain.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save view %s/%s: %w", viewType, id, err)
		}
		return nil
	})
}

// Delete implements store.ReadDatabase.
func (r *ReadDatabase) Delete(ctx context.Context, viewType, id string) error {
	return r.db.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM views WHERE view_type = ? AND view_id = ?`, viewType, id); err != nil {
			return fmt.Errorf("delete view %s/%s: %w", viewType, id, err)
		}
		return nil
	})
}

// decodeView decodes a stored document. Whole numbers come back as int64
// and other numbers as float64.
func decodeView(data string) (domain.View, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	return domain.View(normalizeNumbers(m).(map[string]any)), nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

func scalarFilter(filter map[string]any) bool {
	for _, v := range filter {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		default:
			return false
		}
	}
	return true
}

// bindValue converts a filter value to what json_extract yields for it.
func bindValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case json.Number:
		return normalizeNumbers(val)
	default:
		return v
	}
}
