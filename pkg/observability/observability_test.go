package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/plaenen/eventcore/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setup(t *testing.T) (*observability.Telemetry, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	exporter := tracetest.NewInMemoryExporter()
	tel, err := observability.Init(context.Background(), observability.Config{
		ServiceName:     "eventcore-test",
		TraceExporters:  []sdktrace.SpanExporter{exporter},
		TraceSampleRate: 1,
		MetricReaders:   []sdkmetric.Reader{reader},
	})
	require.NoError(t, err)
	require.NotNil(t, tel.Metrics)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, reader, exporter
}

// sum adds up the data points of an int counter or the counts of a histogram.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					total += int64(dp.Count)
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Sum
				}
			}
		}
	}
	return total
}

func TestInitWithoutExporters(t *testing.T) {
	tel, err := observability.Init(context.Background(), observability.Config{ServiceName: "noop"})
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics)

	// Nil metrics leave handlers untouched.
	var called bool
	h := eventsourcing.CommandHandlerFunc(func(context.Context, domain.Command) ([]*domain.Event, error) {
		called = true
		return nil, nil
	})
	_, err = observability.CommandMiddleware(tel.Metrics)(h).Handle(context.Background(), domain.Command{})
	require.NoError(t, err)
	assert.True(t, called)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestCommandMiddleware(t *testing.T) {
	tel, reader, _ := setup(t)
	fail := true
	h := eventsourcing.CommandHandlerFunc(func(context.Context, domain.Command) ([]*domain.Event, error) {
		if fail {
			return nil, domain.ErrConcurrencyConflict
		}
		return []*domain.Event{{Type: "incremented"}}, nil
	})
	mw := observability.CommandMiddleware(tel.Metrics)(h)
	cmd, err := domain.NewCommand("increment", domain.NewAggregateID("counter"), nil)
	require.NoError(t, err)

	_, err = mw.Handle(context.Background(), cmd)
	require.Error(t, err)
	fail = false
	_, err = mw.Handle(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum(t, reader, "eventcore.command.total"))
	assert.Equal(t, int64(1), sum(t, reader, "eventcore.command.errors"))
}

func TestInstrumentEventStore(t *testing.T) {
	tel, reader, exporter := setup(t)
	es := observability.InstrumentEventStore(memory.NewEventStore(), tel)
	ctx := context.Background()
	id := domain.AggregateID{Type: "counter", ID: "c1"}

	events := []*domain.Event{
		{ID: "e1", AggregateID: id, Type: "created", Version: 1, Timestamp: time.Now()},
		{ID: "e2", AggregateID: id, Type: "incremented", Version: 2, Timestamp: time.Now()},
	}
	require.NoError(t, es.SaveEvents(ctx, id, 0, events))
	err := es.SaveEvents(ctx, id, 0, events)
	assert.Equal(t, domain.CodeConcurrencyConflict, domain.CodeOf(err))

	loaded, err := es.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	snap, err := es.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap)

	all, pos, err := es.LoadAllEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(2), pos)

	assert.Equal(t, int64(2), sum(t, reader, "eventcore.events.appended"))
	assert.Equal(t, int64(1), sum(t, reader, "eventcore.snapshot.misses"))

	require.NoError(t, tel.Shutdown(ctx))
	var names []string
	for _, span := range exporter.GetSpans() {
		names = append(names, span.Name)
	}
	assert.Contains(t, names, "eventstore.append")
	assert.Contains(t, names, "eventstore.load")
	assert.Contains(t, names, "eventstore.load_all")
}

func TestInstrumentQueries(t *testing.T) {
	tel, reader, _ := setup(t)
	bus := eventsourcing.NewQueryBus(observability.InstrumentReadDatabase(memory.NewReadDatabase(), tel.Metrics))
	q := observability.InstrumentQueries(bus, tel.Metrics)

	_, err := q.Dispatch(context.Background(), domain.NewQuery("missing", nil))
	assert.Equal(t, domain.CodeQueryHandlerNotFound, domain.CodeOf(err))
	assert.Equal(t, int64(1), sum(t, reader, "eventcore.query.total"))
	assert.Equal(t, int64(1), sum(t, reader, "eventcore.query.errors"))
}

func TestProjectionErrorHook(t *testing.T) {
	tel, reader, _ := setup(t)
	reactor := eventsourcing.NewReactor("counter").
		Apply("incremented", "counters", func(v domain.View, _ *domain.Event) (domain.View, error) {
			return v, nil
		}).
		MustBuild()
	bus := eventsourcing.NewEventBus(memory.NewReadDatabase(), nil,
		eventsourcing.OnProjectionError(tel.Metrics.RecordProjectionError))
	require.NoError(t, bus.RegisterReactor(reactor))

	// Applying to a view that does not exist fails.
	err := bus.Receive(context.Background(), &domain.Event{
		ID:          "e1",
		AggregateID: domain.AggregateID{Type: "counter", ID: "c1"},
		Type:        "incremented",
		Version:     2,
	})
	assert.Equal(t, domain.CodeViewNotFound, domain.CodeOf(err))
	assert.Equal(t, int64(1), sum(t, reader, "eventcore.projection.errors"))
}

func TestInstrumentPublisher(t *testing.T) {
	tel, reader, _ := setup(t)
	var fail error
	pub := observability.InstrumentPublisher(eventsourcing.PublisherFunc(func(context.Context, []*domain.Event) error {
		return fail
	}), tel.Metrics)

	require.NoError(t, pub.Publish(context.Background(), []*domain.Event{{}, {}}))
	fail = errors.New("down")
	require.Error(t, pub.Publish(context.Background(), []*domain.Event{{}}))
	assert.Equal(t, int64(2), sum(t, reader, "eventcore.events.published"))
}

func TestRecordCascade(t *testing.T) {
	tel, reader, _ := setup(t)
	tel.Metrics.RecordCascade(context.Background(), 3, 5, nil)
	assert.Equal(t, int64(3), sum(t, reader, "eventcore.cascade.depth"))
	assert.Equal(t, int64(5), sum(t, reader, "eventcore.cascade.events"))
}

func TestPrometheusReader(t *testing.T) {
	reader, handler, err := observability.PrometheusReader()
	require.NoError(t, err)
	tel, err := observability.Init(context.Background(), observability.Config{
		ServiceName:   "eventcore-test",
		MetricReaders: []sdkmetric.Reader{reader},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := context.Background()
	tel.Metrics.RecordQuery(ctx, "counter", nil)
	tel.Metrics.RecordQuery(ctx, "counter", nil)
	tel.Metrics.RecordCascade(ctx, 2, 3, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Regexp(t, `(?m)^eventcore_query_total\{.*query_operation="counter".*\} 2$`, body)
	assert.Regexp(t, `(?m)^eventcore_cascade_depth_count(\{.*\})? 1$`, body)
	assert.Regexp(t, `(?m)^eventcore_cascade_depth_sum(\{.*\})? 2$`, body)
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase(), sqlite.WithAutoMigrate(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink, err := observability.NewSQLiteSink(ctx, db.SQL(), time.Hour)
	require.NoError(t, err)

	t.Run("Spans", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(sink))
		tracer := tp.Tracer("test")

		spanCtx, root := tracer.Start(ctx, "command counter.create", trace.WithAttributes(
			attribute.String("aggregate.id", "agg-1"),
			attribute.String("command.id", "cmd-1"),
		))
		_, child := tracer.Start(spanCtx, "eventstore.save")
		child.AddEvent("appended", trace.WithAttributes(attribute.Int("events.count", 1)))
		child.End()
		root.End()

		_, failed := tracer.Start(ctx, "command counter.increment", trace.WithAttributes(
			attribute.String("aggregate.id", "agg-2"),
		))
		failed.SetStatus(codes.Error, "COUNTER_NOT_CREATED")
		failed.End()
		require.NoError(t, tp.Shutdown(ctx))

		traceID := root.SpanContext().TraceID().String()
		spans, err := sink.Trace(ctx, traceID)
		require.NoError(t, err)
		require.Len(t, spans, 2)
		assert.Equal(t, "command counter.create", spans[0].Name)
		assert.Empty(t, spans[0].ParentSpanID)
		assert.Equal(t, spans[0].SpanID, spans[1].ParentSpanID)
		require.Len(t, spans[1].Events, 1)
		assert.Equal(t, "appended", spans[1].Events[0].Name)

		byAggregate, err := sink.Spans(ctx, observability.SpanFilter{AggregateID: "agg-1"})
		require.NoError(t, err)
		require.Len(t, byAggregate, 1)
		assert.Equal(t, "cmd-1", byAggregate[0].Attributes["command.id"])

		errs, err := sink.Spans(ctx, observability.SpanFilter{ErrorsOnly: true})
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Equal(t, "COUNTER_NOT_CREATED", errs[0].StatusMessage)

		all, err := sink.Spans(ctx, observability.SpanFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("Metrics", func(t *testing.T) {
		reader := sdkmetric.NewPeriodicReader(sink, sdkmetric.WithInterval(time.Hour))
		tel, err := observability.Init(ctx, observability.Config{
			ServiceName:   "eventcore-test",
			MetricReaders: []sdkmetric.Reader{reader},
		})
		require.NoError(t, err)

		tel.Metrics.RecordQuery(ctx, "counter", nil)
		tel.Metrics.RecordQuery(ctx, "counter", errors.New("boom"))
		require.NoError(t, reader.ForceFlush(ctx))
		require.NoError(t, tel.Shutdown(ctx))

		points, err := sink.Metrics(ctx, "eventcore.query.total", time.Time{}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, points)
		require.NotNil(t, points[0].Value)
		assert.Equal(t, float64(2), *points[0].Value)
		assert.Equal(t, "counter", points[0].Attributes["query.operation"])
	})
}
