package observability

import (
	"context"
	"errors"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store"
	"go.opentelemetry.io/otel/trace"
)

// CommandMiddleware records command metrics. Tracing is added separately
// with middleware.OpenTelemetryMiddleware.
func CommandMiddleware(m *Metrics) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		if m == nil {
			return next
		}
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			start := time.Now()
			events, err := next.Handle(ctx, cmd)
			m.RecordCommand(ctx, cmd.AggregateID.Type, cmd.Operation, time.Since(start), err)
			return events, err
		})
	}
}

// InstrumentQueries records query counts and error codes.
func InstrumentQueries(next eventsourcing.QueryDispatcher, m *Metrics) eventsourcing.QueryDispatcher {
	if m == nil {
		return next
	}
	return eventsourcing.QueryDispatcherFunc(func(ctx context.Context, q domain.Query) (map[string]any, error) {
		result, err := next.Dispatch(ctx, q)
		m.RecordQuery(ctx, q.Operation, err)
		return result, err
	})
}

// InstrumentPublisher counts published events.
func InstrumentPublisher(next eventsourcing.EventPublisher, m *Metrics) eventsourcing.EventPublisher {
	if m == nil {
		return next
	}
	return eventsourcing.PublisherFunc(func(ctx context.Context, events []*domain.Event) error {
		err := next.Publish(ctx, events)
		if err == nil {
			m.RecordPublish(ctx, len(events))
		}
		return err
	})
}

// InstrumentedEventStore records latency, appended events and snapshot
// hits of a store.EventStore, with a span per operation.
type InstrumentedEventStore struct {
	next    store.EventStore
	metrics *Metrics
	tracer  trace.Tracer
}

var (
	_ store.EventStore = (*InstrumentedEventStore)(nil)
	_ store.EventLog   = (*InstrumentedEventStore)(nil)
)

// InstrumentEventStore wraps next. tel may have nil Metrics; spans then
// still go to its tracer provider.
func InstrumentEventStore(next store.EventStore, tel *Telemetry) *InstrumentedEventStore {
	return &InstrumentedEventStore{
		next:    next,
		metrics: tel.Metrics,
		tracer:  tel.Tracer("eventcore.eventstore"),
	}
}

func (s *InstrumentedEventStore) observe(ctx context.Context, operation string, id domain.AggregateID, start time.Time, count int, err error) {
	if s.metrics != nil {
		s.metrics.RecordEventStoreOperation(ctx, operation, id.Type, time.Since(start), count, err)
	}
}

// GetEvents implements store.EventStore.
func (s *InstrumentedEventStore) GetEvents(ctx context.Context, id domain.AggregateID, fromVersion int64) ([]*domain.Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.load", trace.WithAttributes(
		AttrAggregateType.String(id.Type),
		AttrAggregateID.String(id.ID),
		AttrVersion.Int64(fromVersion),
	))
	start := time.Now()
	events, err := s.next.GetEvents(ctx, id, fromVersion)
	s.observe(ctx, "load", id, start, len(events), err)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	EndSpan(span, err)
	return events, err
}

// GetLastEventVersion implements store.EventStore.
func (s *InstrumentedEventStore) GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error) {
	start := time.Now()
	version, err := s.next.GetLastEventVersion(ctx, id)
	s.observe(ctx, "version", id, start, 0, err)
	return version, err
}

// SaveEvents implements store.EventStore.
func (s *InstrumentedEventStore) SaveEvents(ctx context.Context, id domain.AggregateID, expectedVersion int64, events []*domain.Event) error {
	ctx, span := s.tracer.Start(ctx, "eventstore.append", trace.WithAttributes(
		AttrAggregateType.String(id.Type),
		AttrAggregateID.String(id.ID),
		AttrVersion.Int64(expectedVersion),
		AttrEventCount.Int(len(events)),
	))
	start := time.Now()
	err := s.next.SaveEvents(ctx, id, expectedVersion, events)
	s.observe(ctx, "append", id, start, len(events), err)
	EndSpan(span, err)
	return err
}

// GetSnapshot implements store.SnapshotStore.
func (s *InstrumentedEventStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	start := time.Now()
	snap, err := s.next.GetSnapshot(ctx, id)
	s.observe(ctx, "snapshot_load", id, start, 0, err)
	if err == nil && s.metrics != nil {
		s.metrics.RecordSnapshotLoad(ctx, id.Type, snap != nil)
	}
	trace.SpanFromContext(ctx).SetAttributes(AttrSnapshotHit.Bool(snap != nil))
	return snap, err
}

// SaveSnapshot implements store.SnapshotStore.
func (s *InstrumentedEventStore) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	start := time.Now()
	err := s.next.SaveSnapshot(ctx, snapshot)
	s.observe(ctx, "snapshot_save", snapshot.AggregateID, start, 0, err)
	return err
}

// LoadAllEvents implements store.EventLog when the wrapped store does.
func (s *InstrumentedEventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error) {
	log, ok := s.next.(store.EventLog)
	if !ok {
		return nil, fromPosition, domain.New(domain.CodeEventsCannotBeLoaded, "event store cannot stream all events")
	}
	ctx, span := s.tracer.Start(ctx, "eventstore.load_all")
	start := time.Now()
	events, pos, err := log.LoadAllEvents(ctx, fromPosition, limit)
	s.observe(ctx, "load_all", domain.AggregateID{}, start, len(events), err)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	EndSpan(span, err)
	return events, pos, err
}

// InstrumentedReadDatabase records latency of a store.ReadDatabase.
type InstrumentedReadDatabase struct {
	next    store.ReadDatabase
	metrics *Metrics
}

var _ store.ReadDatabase = (*InstrumentedReadDatabase)(nil)

// InstrumentReadDatabase wraps next.
func InstrumentReadDatabase(next store.ReadDatabase, m *Metrics) store.ReadDatabase {
	if m == nil {
		return next
	}
	return &InstrumentedReadDatabase{next: next, metrics: m}
}

// GetByID implements store.ReadDatabase. A missing view is not an error here.
func (r *InstrumentedReadDatabase) GetByID(ctx context.Context, viewType, id string) (domain.View, error) {
	start := time.Now()
	v, err := r.next.GetByID(ctx, viewType, id)
	recorded := err
	if errors.Is(err, store.ErrNotFound) {
		recorded = nil
	}
	r.metrics.RecordReadDBOperation(ctx, "get", viewType, time.Since(start), recorded)
	return v, err
}

// GetList implements store.ReadDatabase.
func (r *InstrumentedReadDatabase) GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error) {
	start := time.Now()
	views, err := r.next.GetList(ctx, viewType, opts)
	r.metrics.RecordReadDBOperation(ctx, "list", viewType, time.Since(start), err)
	return views, err
}

// Save implements store.ReadDatabase.
func (r *InstrumentedReadDatabase) Save(ctx context.Context, viewType string, view domain.View) error {
	start := time.Now()
	err := r.next.Save(ctx, viewType, view)
	r.metrics.RecordReadDBOperation(ctx, "save", viewType, time.Since(start), err)
	return err
}

// Delete implements store.ReadDatabase.
func (r *InstrumentedReadDatabase) Delete(ctx context.Context, viewType, id string) error {
	start := time.Now()
	err := r.next.Delete(ctx, viewType, id)
	r.metrics.RecordReadDBOperation(ctx, "delete", viewType, time.Since(start), err)
	return err
}
