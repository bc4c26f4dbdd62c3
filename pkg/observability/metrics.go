package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the framework.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event metrics
	EventsAppended    metric.Int64Counter
	EventsPublished   metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Snapshot metrics
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	// Read side metrics
	ProjectionErrors  metric.Int64Counter
	ReadDBLatency     metric.Float64Histogram
	QueryTotal        metric.Int64Counter
	QueryErrors       metric.Int64Counter
	CascadeDepth      metric.Int64Histogram
	CascadeEventCount metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventcore.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"eventcore.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"eventcore.command.errors",
		metric.WithDescription("Total command errors by code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"eventcore.events.published",
		metric.WithDescription("Total events published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"eventcore.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"eventcore.snapshot.hits",
		metric.WithDescription("Replays that started from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"eventcore.snapshot.misses",
		metric.WithDescription("Replays without a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"eventcore.projection.errors",
		metric.WithDescription("Failed view actions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ReadDBLatency, err = meter.Float64Histogram(
		"eventcore.readdb.latency",
		metric.WithDescription("Read database operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating readdb.latency: %w", err)
	}

	m.QueryTotal, err = meter.Int64Counter(
		"eventcore.query.total",
		metric.WithDescription("Total queries dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.total: %w", err)
	}

	m.QueryErrors, err = meter.Int64Counter(
		"eventcore.query.errors",
		metric.WithDescription("Total query errors by code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.errors: %w", err)
	}

	m.CascadeDepth, err = meter.Int64Histogram(
		"eventcore.cascade.depth",
		metric.WithDescription("Deepest policy generation reached per cascade"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cascade.depth: %w", err)
	}

	m.CascadeEventCount, err = meter.Int64Histogram(
		"eventcore.cascade.events",
		metric.WithDescription("Events persisted per cascade"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cascade.events: %w", err)
	}

	return m, nil
}

// errorCode returns the domain code of err, or "INTERNAL" for uncoded errors.
func errorCode(err error) string {
	if code := domain.CodeOf(err); code != "" {
		return string(code)
	}
	return "INTERNAL"
}

// RecordCommand records command execution metrics.
func (m *Metrics) RecordCommand(ctx context.Context, aggregateType, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		AttrAggregateType.String(aggregateType),
		AttrOperation.String(operation),
		attribute.Bool("success", err == nil),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrOperation.String(operation),
			AttrErrorCode.String(errorCode(err)),
		))
	}
}

// RecordEventStoreOperation records event store operation metrics.
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation, aggregateType string, duration time.Duration, eventCount int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		AttrAggregateType.String(aggregateType),
		attribute.Bool("success", err == nil),
	}

	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "append" && err == nil {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	}
}

// RecordSnapshotLoad records whether a replay found a snapshot.
func (m *Metrics) RecordSnapshotLoad(ctx context.Context, aggregateType string, hit bool) {
	attrs := metric.WithAttributes(AttrAggregateType.String(aggregateType))
	if hit {
		m.SnapshotHits.Add(ctx, 1, attrs)
	} else {
		m.SnapshotMisses.Add(ctx, 1, attrs)
	}
}

// RecordPublish records published events.
func (m *Metrics) RecordPublish(ctx context.Context, count int) {
	m.EventsPublished.Add(ctx, int64(count))
}

// RecordProjectionError records a failed view action.
func (m *Metrics) RecordProjectionError(ctx context.Context, event *domain.Event, viewType string, err error) {
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
		AttrEventType.String(event.Type),
		AttrViewType.String(viewType),
		AttrErrorCode.String(errorCode(err)),
	))
}

// RecordReadDBOperation records read database latency.
func (m *Metrics) RecordReadDBOperation(ctx context.Context, operation, viewType string, duration time.Duration, err error) {
	m.ReadDBLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		AttrViewType.String(viewType),
		attribute.Bool("success", err == nil),
	))
}

// RecordQuery records one dispatched query.
func (m *Metrics) RecordQuery(ctx context.Context, operation string, err error) {
	m.QueryTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("query.operation", operation)))
	if err != nil {
		m.QueryErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("query.operation", operation),
			AttrErrorCode.String(errorCode(err)),
		))
	}
}

// RecordCascade records the shape of one cascade. It matches the
// eventsourcing.OnCascadeComplete signature.
func (m *Metrics) RecordCascade(ctx context.Context, depth int, events int, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	m.CascadeDepth.Record(ctx, int64(depth), attrs)
	m.CascadeEventCount.Record(ctx, int64(events), attrs)
}
