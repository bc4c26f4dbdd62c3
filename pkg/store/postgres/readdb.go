package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// ReadDatabase implements store.ReadDatabase on PostgreSQL. Views are JSONB
// documents; filters use containment (@>) and sorting uses the JSONB order.
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
	var data []byte
	err := r.db.db.GetContext(ctx, &data, `SELECT data FROM views WHERE view_type = $1 AND view_id = $2`, viewType, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s/%s: %w", viewType, id, err)
	}
	return decodeView(data)
}

// GetList implements store.ReadDatabase. Without a sort field views are
// returned in id order.
func (r *ReadDatabase) GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error) {
	var query strings.Builder
	args := []any{viewType}
	query.WriteString(`SELECT data FROM views WHERE view_type = $1`)

	if len(opts.Filter) > 0 {
		filter, err := json.Marshal(opts.Filter)
		if err != nil {
			return nil, domain.Wrap(domain.CodeInvalidQuery, "encode filter", err)
		}
		args = append(args, string(filter))
		fmt.Fprintf(&query, ` AND data @> $%d::jsonb`, len(args))
	}

	query.WriteString(` ORDER BY `)
	if opts.SortBy != "" {
		if !fieldPattern.MatchString(opts.SortBy) {
			return nil, domain.Newf(domain.CodeInvalidQuery, "invalid sort field %q", opts.SortBy)
		}
		dir := "ASC NULLS FIRST"
		if opts.SortOrder == domain.SortDesc {
			dir = "DESC NULLS LAST"
		}
		fmt.Fprintf(&query, `data->'%s' %s, `, opts.SortBy, dir)
	}
	query.WriteString(`view_id ASC`)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&query, ` OFFSET $%d`, len(args))
	}

	var docs [][]byte
	if err := r.db.db.SelectContext(ctx, &docs, query.String(), args...); err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}

	views := make([]domain.View, 0, len(docs))
	for _, doc := range docs {
		v, err := decodeView(doc)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
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

	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO views (view_type, view_id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (view_type, view_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		viewType, id, string(data), domain.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save view %s/%s: %w", viewType, id, err)
	}
	return nil
}

// Delete implements store.ReadDatabase.
func (r *ReadDatabase) Delete(ctx context.Context, viewType, id string) error {
	if _, err := r.db.db.ExecContext(ctx, `DELETE FROM views WHERE view_type = $1 AND view_id = $2`, viewType, id); err != nil {
		return fmt.Errorf("delete view %s/%s: %w", viewType, id, err)
	}
	return nil
}

func decodeView(data []byte) (domain.View, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode view: %w", err)
	}
	normalize(m)
	return domain.View(m), nil
}

// normalize turns json.Number into int64 for whole numbers and float64 otherwise.
func normalize(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		normalize(val)
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}
