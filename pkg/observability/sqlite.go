package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const sinkSchema = `
CREATE TABLE IF NOT EXISTS otel_spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	name           TEXT NOT NULL,
	kind           TEXT NOT NULL,
	start_ns       INTEGER NOT NULL,
	end_ns         INTEGER NOT NULL,
	status         TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	attributes     TEXT NOT NULL,
	events         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_otel_spans_trace ON otel_spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_otel_spans_start ON otel_spans(start_ns);
CREATE TABLE IF NOT EXISTS otel_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	unit        TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	value       REAL,
	count       INTEGER,
	sum         REAL,
	attributes  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_otel_metrics_name ON otel_metrics(name, recorded_at);
`

// SQLiteSink keeps finished spans and periodic metric snapshots in a SQLite
// database. It is a span exporter and a metric exporter; wrap it in
// sdkmetric.NewPeriodicReader for metrics.
type SQLiteSink struct {
	db        *sql.DB
	retention time.Duration

	mu sync.Mutex
}

var (
	_ sdktrace.SpanExporter = (*SQLiteSink)(nil)
	_ sdkmetric.Exporter    = (*SQLiteSink)(nil)
)

// NewSQLiteSink creates the telemetry tables in db. Rows older than
// retention are removed on each export; zero keeps everything.
func NewSQLiteSink(ctx context.Context, db *sql.DB, retention time.Duration) (*SQLiteSink, error) {
	if db == nil {
		return nil, fmt.Errorf("observability: sqlite sink needs a database")
	}
	if _, err := db.ExecContext(ctx, sinkSchema); err != nil {
		return nil, fmt.Errorf("create telemetry tables: %w", err)
	}
	return &SQLiteSink{db: db, retention: retention}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SQLiteSink) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO otel_spans
			(span_id, trace_id, parent_span_id, name, kind, start_ns, end_ns, status, status_message, attributes, events)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, span := range spans {
			sc := span.SpanContext()
			var parent sql.NullString
			if p := span.Parent(); p.SpanID().IsValid() {
				parent = sql.NullString{String: p.SpanID().String(), Valid: true}
			}
			attrs, err := json.Marshal(attributeMap(span.Attributes()))
			if err != nil {
				return err
			}
			events, err := json.Marshal(spanEvents(span.Events()))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				sc.SpanID().String(), sc.TraceID().String(), parent,
				span.Name(), span.SpanKind().String(),
				span.StartTime().UnixNano(), span.EndTime().UnixNano(),
				statusName(span.Status().Code), span.Status().Description,
				string(attrs), string(events),
			); err != nil {
				return fmt.Errorf("insert span %s: %w", span.Name(), err)
			}
		}

		if s.retention > 0 {
			cutoff := time.Now().Add(-s.retention).UnixNano()
			if _, err := tx.ExecContext(ctx, `DELETE FROM otel_spans WHERE end_ns < ?`, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export implements sdkmetric.Exporter. Each call appends one row per
// data point.
func (s *SQLiteSink) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	now := time.Now()
	return s.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO otel_metrics
			(name, unit, kind, recorded_at, value, count, sum, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				for _, p := range metricPoints(m.Data) {
					attrs, err := json.Marshal(attributeMap(p.attrs.ToSlice()))
					if err != nil {
						return err
					}
					if _, err := stmt.ExecContext(ctx,
						m.Name, m.Unit, p.kind, now.UnixNano(),
						p.value, p.count, p.sum, string(attrs),
					); err != nil {
						return fmt.Errorf("insert metric %s: %w", m.Name, err)
					}
				}
			}
		}

		if s.retention > 0 {
			cutoff := now.Add(-s.retention).UnixNano()
			if _, err := tx.ExecContext(ctx, `DELETE FROM otel_metrics WHERE recorded_at < ?`, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteSink) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteSink) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (s *SQLiteSink) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (s *SQLiteSink) ForceFlush(context.Context) error { return nil }

// Shutdown is a no-op; the database belongs to the caller.
func (s *SQLiteSink) Shutdown(context.Context) error { return nil }

type point struct {
	kind  string
	attrs attribute.Set
	value sql.NullFloat64
	count sql.NullInt64
	sum   sql.NullFloat64
}

func metricPoints(data metricdata.Aggregation) []point {
	var out []point
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "sum", attrs: dp.Attributes, value: sql.NullFloat64{Float64: float64(dp.Value), Valid: true}})
		}
	case metricdata.Sum[float64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "sum", attrs: dp.Attributes, value: sql.NullFloat64{Float64: dp.Value, Valid: true}})
		}
	case metricdata.Gauge[int64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "gauge", attrs: dp.Attributes, value: sql.NullFloat64{Float64: float64(dp.Value), Valid: true}})
		}
	case metricdata.Gauge[float64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "gauge", attrs: dp.Attributes, value: sql.NullFloat64{Float64: dp.Value, Valid: true}})
		}
	case metricdata.Histogram[int64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "histogram", attrs: dp.Attributes,
				count: sql.NullInt64{Int64: int64(dp.Count), Valid: true},
				sum:   sql.NullFloat64{Float64: float64(dp.Sum), Valid: true}})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range d.DataPoints {
			out = append(out, point{kind: "histogram", attrs: dp.Attributes,
				count: sql.NullInt64{Int64: int64(dp.Count), Valid: true},
				sum:   sql.NullFloat64{Float64: dp.Sum, Valid: true}})
		}
	}
	return out
}

func attributeMap(kvs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func spanEvents(events []sdktrace.Event) []SpanEvent {
	out := make([]SpanEvent, len(events))
	for i, e := range events {
		out[i] = SpanEvent{Name: e.Name, Time: e.Time, Attributes: attributeMap(e.Attributes)}
	}
	return out
}

func statusName(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}
