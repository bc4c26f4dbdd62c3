package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SpanRecord is a span read back from a SQLiteSink.
type SpanRecord struct {
	TraceID       string         `json:"traceId"`
	SpanID        string         `json:"spanId"`
	ParentSpanID  string         `json:"parentSpanId,omitempty"`
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Start         time.Time      `json:"start"`
	Duration      time.Duration  `json:"duration"`
	Status        string         `json:"status"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Attributes    map[string]any `json:"attributes"`
	Events        []SpanEvent    `json:"events,omitempty"`
}

// SpanEvent is an event recorded on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanFilter selects spans. Zero fields match everything; Limit defaults
// to 100.
type SpanFilter struct {
	Name        string
	AggregateID string
	CommandID   string
	ErrorsOnly  bool
	Since       time.Time
	Limit       int
}

// MetricPoint is one stored metric data point.
type MetricPoint struct {
	Name       string         `json:"name"`
	Unit       string         `json:"unit,omitempty"`
	Kind       string         `json:"kind"`
	RecordedAt time.Time      `json:"recordedAt"`
	Value      *float64       `json:"value,omitempty"`
	Count      *int64         `json:"count,omitempty"`
	Sum        *float64       `json:"sum,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

const spanColumns = `trace_id, span_id, parent_span_id, name, kind, start_ns, end_ns, status, status_message, attributes, events`

// Trace returns the spans of one trace ordered by start time.
func (s *SQLiteSink) Trace(ctx context.Context, traceID string) ([]SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM otel_spans WHERE trace_id = ? ORDER BY start_ns`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query trace %s: %w", traceID, err)
	}
	return scanSpans(rows)
}

// Spans returns the most recent spans matching f, newest first.
func (s *SQLiteSink) Spans(ctx context.Context, f SpanFilter) ([]SpanRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, `name = ?`)
		args = append(args, f.Name)
	}
	if f.AggregateID != "" {
		where = append(where, `json_extract(attributes, '$."aggregate.id"') = ?`)
		args = append(args, f.AggregateID)
	}
	if f.CommandID != "" {
		where = append(where, `json_extract(attributes, '$."command.id"') = ?`)
		args = append(args, f.CommandID)
	}
	if f.ErrorsOnly {
		where = append(where, `status = 'ERROR'`)
	}
	if !f.Since.IsZero() {
		where = append(where, `start_ns >= ?`)
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + spanColumns + ` FROM otel_spans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY start_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	return scanSpans(rows)
}

// Metrics returns stored points of the named metric, newest first.
func (s *SQLiteSink) Metrics(ctx context.Context, name string, since time.Time, limit int) ([]MetricPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, unit, kind, recorded_at, value, count, sum, attributes
		FROM otel_metrics WHERE name = ? AND recorded_at >= ?
		ORDER BY recorded_at DESC, id DESC LIMIT ?`, name, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query metric %s: %w", name, err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var (
			p       MetricPoint
			at      int64
			value   sql.NullFloat64
			count   sql.NullInt64
			sum     sql.NullFloat64
			rawAttr string
		)
		if err := rows.Scan(&p.Name, &p.Unit, &p.Kind, &at, &value, &count, &sum, &rawAttr); err != nil {
			return nil, err
		}
		p.RecordedAt = time.Unix(0, at).UTC()
		if value.Valid {
			p.Value = &value.Float64
		}
		if count.Valid {
			p.Count = &count.Int64
		}
		if sum.Valid {
			p.Sum = &sum.Float64
		}
		if err := json.Unmarshal([]byte(rawAttr), &p.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", p.Name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSpans(rows *sql.Rows) ([]SpanRecord, error) {
	defer rows.Close()

	var out []SpanRecord
	for rows.Next() {
		var (
			r             SpanRecord
			parent        sql.NullString
			start, end    int64
			attrs, events string
		)
		if err := rows.Scan(&r.TraceID, &r.SpanID, &parent, &r.Name, &r.Kind, &start, &end,
			&r.Status, &r.StatusMessage, &attrs, &events); err != nil {
			return nil, err
		}
		r.ParentSpanID = parent.String
		r.Start = time.Unix(0, start).UTC()
		r.Duration = time.Duration(end - start)
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("decode span %s: %w", r.SpanID, err)
		}
		if err := json.Unmarshal([]byte(events), &r.Events); err != nil {
			return nil, fmt.Errorf("decode span %s: %w", r.SpanID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
