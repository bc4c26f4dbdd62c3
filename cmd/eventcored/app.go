package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventcore/examples/bankaccount"
	"github.com/plaenen/eventcore/examples/counter"
	"github.com/plaenen/eventcore/pkg/config"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/idempotency"
	"github.com/plaenen/eventcore/pkg/middleware"
	natspkg "github.com/plaenen/eventcore/pkg/nats"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/rpc"
	"github.com/plaenen/eventcore/pkg/runner"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/plaenen/eventcore/pkg/store/blob"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/plaenen/eventcore/pkg/store/postgres"
	"github.com/plaenen/eventcore/pkg/store/sqlite"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app is the wired process. Services are handed to the runner; closers
// release what was opened outside of it, in reverse order.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	tel      *observability.Telemetry
	commands *eventsourcing.CommandBus
	events   *eventsourcing.EventBus
	queries  *eventsourcing.QueryBus
	executor rpc.CommandExecutor
	mux      *http.ServeMux
	services []runner.Service
	health   func(context.Context) error

	// sink and sinkDB are set when telemetry is kept in SQLite. sinkDB
	// outlives the closers so the final telemetry flush can land.
	sink   *observability.SQLiteSink
	sinkDB *sqlite.DB

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, mux: http.NewServeMux()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	metricsHandler, err := a.initTelemetry(ctx)
	if err != nil {
		return nil, err
	}

	es, readDB, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	opts := a.busOptions()
	var publisher eventsourcing.EventPublisher
	var broker *natsParts
	if cfg.EventDelivery == "nats" {
		broker, err = a.connectNATS(ctx)
		if err != nil {
			return nil, err
		}
		publisher = observability.InstrumentPublisher(broker.publisher, a.tel.Metrics)
	}

	a.commands = eventsourcing.NewCommandBus(append(opts, eventsourcing.WithPublisher(publisher))...)
	a.events = eventsourcing.NewEventBus(readDB, a.commands, opts...)
	a.queries = eventsourcing.NewQueryBus(readDB, opts...)

	idem, err := a.idempotencyStore(ctx)
	if err != nil {
		return nil, err
	}
	a.commands.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.OpenTelemetryMiddlewareWithTracer(a.tel.Tracer("eventcore")),
		observability.CommandMiddleware(a.tel.Metrics),
		middleware.LoggingMiddleware(logger),
		middleware.ValidationMiddleware(payloadValidator()),
		middleware.IdempotencyMiddleware(idem, cfg.IdempotencyTTL, logger),
		middleware.RetryOnConflict(middleware.DefaultRetryConfig()),
	)

	if err := a.registerDomains(es, opts); err != nil {
		return nil, err
	}

	if cfg.ReadModel == "memory" {
		if err := a.rebuildViews(ctx, es, opts); err != nil {
			return nil, err
		}
	}

	if broker != nil {
		a.executor = a.commands
		sub, err := natspkg.NewSubscriber(broker.conn, a.events, a.events.AggregateTypes(), broker.opts...)
		if err != nil {
			return nil, err
		}
		a.services = append(a.services, sub, natspkg.NewCommandServer(broker.conn, a.commands, broker.opts...))
	} else {
		cascade := eventsourcing.NewCascade(a.commands, a.events, opts...)
		a.executor = rpc.ExecutorFunc(cascade.Run)
	}

	rpc.Mount(a.mux, a.executor, observability.InstrumentQueries(a.queries, a.tel.Metrics), rpc.WithLogger(logger))
	a.mux.Handle("/debug/metrics", metricsHandler)
	if a.sink != nil {
		a.mux.HandleFunc("/debug/traces", a.traces)
		a.mux.HandleFunc("/debug/traces/{traceID}", a.trace)
	}
	a.mux.HandleFunc("/healthz", a.healthz)
	a.services = append(a.services, rpc.NewServer(cfg.HTTPAddr, a.mux, rpc.WithLogger(logger)))
	return a, nil
}

// initTelemetry sets up tracing and metrics and returns the handler for
// /debug/metrics.
func (a *app) initTelemetry(ctx context.Context) (http.Handler, error) {
	promReader, metricsHandler, err := observability.PrometheusReader()
	if err != nil {
		return nil, err
	}
	readers := []sdkmetric.Reader{promReader}
	var exporters []sdktrace.SpanExporter

	if a.cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if a.cfg.MetricsStdoutInterval > 0 {
		r, err := observability.StdoutReader(os.Stdout, a.cfg.MetricsStdoutInterval)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	if a.cfg.TelemetrySQLiteDSN != "" {
		db, err := sqlite.Open(sqlite.WithDSN(a.cfg.TelemetrySQLiteDSN), sqlite.WithAutoMigrate(false))
		if err != nil {
			return nil, fmt.Errorf("open telemetry database: %w", err)
		}
		a.sinkDB = db
		sink, err := observability.NewSQLiteSink(ctx, db.SQL(), a.cfg.TelemetryRetention)
		if err != nil {
			return nil, err
		}
		a.sink = sink
		exporters = append(exporters, sink)
		readers = append(readers, sdkmetric.NewPeriodicReader(sink, sdkmetric.WithInterval(a.cfg.TelemetryExportInterval)))
		a.logger.Info("telemetry kept in sqlite", "dsn", a.cfg.TelemetrySQLiteDSN)
	}

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     a.cfg.ServiceName,
		Environment:     a.cfg.Environment,
		TraceExporters:  exporters,
		TraceSampleRate: a.cfg.TraceSampleRate,
		MetricReaders:   readers,
		SetGlobal:       true,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.tel = tel
	return metricsHandler, nil
}

func (a *app) busOptions() []eventsourcing.Option {
	opts := []eventsourcing.Option{
		eventsourcing.WithLogger(a.logger),
		eventsourcing.WithMaxCascadeDepth(a.cfg.MaxCascadeDepth),
		eventsourcing.WithSnapshotInterval(a.cfg.SnapshotInterval),
		eventsourcing.OnSnapshotError(func(ctx context.Context, id domain.AggregateID, err error) {
			a.logger.WarnContext(ctx, "snapshot not saved", "aggregate_id", id.String(), "error", err)
		}),
	}
	if m := a.tel.Metrics; m != nil {
		opts = append(opts,
			eventsourcing.OnProjectionError(m.RecordProjectionError),
			eventsourcing.OnCascadeComplete(m.RecordCascade),
		)
	}
	return opts
}

// openStores opens the event store and the read database. Postgres wins
// over SQLite when configured; a snapshot bucket moves snapshots out of the
// event store.
func (a *app) openStores(ctx context.Context) (store.EventStore, store.ReadDatabase, error) {
	var (
		es     store.EventStore
		readDB store.ReadDatabase
	)
	if a.cfg.PostgresURL != "" {
		db, err := postgres.Open(ctx, a.cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		es, readDB = postgres.NewEventStore(db), postgres.NewReadDatabase(db)
		a.logger.Info("using postgres event store")
	} else {
		db, err := sqlite.Open(sqlite.WithDSN(a.cfg.SQLiteDSN))
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		es, readDB = sqlite.NewEventStore(db), sqlite.NewReadDatabase(db)
		a.logger.Info("using sqlite event store", "dsn", a.cfg.SQLiteDSN)
	}

	if a.cfg.SnapshotBucketURL != "" {
		snapshots, err := blob.Open(ctx, a.cfg.SnapshotBucketURL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, snapshots.Close)
		es = store.Combine(es, snapshots)
	}

	if a.cfg.ReadModel == "memory" {
		readDB = memory.NewReadDatabase()
	}
	return observability.InstrumentEventStore(es, a.tel), observability.InstrumentReadDatabase(readDB, a.tel.Metrics), nil
}

type natsParts struct {
	conn      *nats.Conn
	publisher *natspkg.Publisher
	opts      []natspkg.Option
}

func (a *app) connectNATS(ctx context.Context) (*natsParts, error) {
	url := a.cfg.NATSURL
	if url == "" {
		srv, err := natspkg.StartEmbeddedServer(a.cfg.NATSStoreDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
		url = srv.URL()
		a.logger.Info("embedded nats server started", "url", url)
	}

	nc, err := natspkg.Connect(url, a.cfg.ServiceName, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { nc.Close(); return nil })

	opts := []natspkg.Option{
		natspkg.WithLogger(a.logger),
		natspkg.WithName(a.cfg.ServiceName),
		natspkg.WithStream(a.cfg.NATSStream),
	}
	pub, err := natspkg.NewPublisher(ctx, nc, opts...)
	if err != nil {
		return nil, err
	}
	return &natsParts{conn: nc, publisher: pub, opts: opts}, nil
}

func (a *app) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	if a.cfg.RedisAddr == "" {
		return idempotency.NewMemoryStore(), nil
	}
	rdb, err := idempotency.DialRedis(ctx, a.cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	return idempotency.NewRedisStore(rdb, a.cfg.ServiceName+":idempotency:"), nil
}

func (a *app) registerDomains(es store.EventStore, opts []eventsourcing.Option) error {
	if err := counter.Register(a.commands, es, a.events, a.queries, a.cfg.CounterResetLimit, opts...); err != nil {
		return fmt.Errorf("register counter: %w", err)
	}

	p, err := eventsourcing.NewCommandProcessor(bankaccount.Aggregate(), es, opts...)
	if err != nil {
		return err
	}
	if err := a.commands.RegisterAggregate(p); err != nil {
		return err
	}
	reactor, err := bankaccount.Reactor()
	if err != nil {
		return fmt.Errorf("bankaccount reactor: %w", err)
	}
	if err := a.events.RegisterReactor(reactor); err != nil {
		return err
	}
	return a.queries.RegisterResolver(bankaccount.Resolver())
}

func payloadValidator() *middleware.PayloadValidator {
	v := middleware.NewPayloadValidator()
	v.Register(counter.AggregateType, counter.OpIncrement, counter.AmountPayload{})
	v.Register(counter.AggregateType, counter.OpDecrement, counter.AmountPayload{})
	v.Register(bankaccount.AggregateType, bankaccount.OpOpen, bankaccount.OpenPayload{})
	v.Register(bankaccount.AggregateType, bankaccount.OpDeposit, bankaccount.AmountPayload{})
	v.Register(bankaccount.AggregateType, bankaccount.OpWithdraw, bankaccount.AmountPayload{})
	return v
}

// rebuildViews projects the whole event log into the in-memory read model.
func (a *app) rebuildViews(ctx context.Context, es store.EventStore, opts []eventsourcing.Option) error {
	log, ok := es.(store.EventLog)
	if !ok {
		return errors.New("event store cannot stream all events")
	}
	n, err := eventsourcing.NewProjector(a.cfg.ServiceName, log, a.events, nil, opts...).CatchUp(ctx)
	if err != nil {
		return fmt.Errorf("rebuild views: %w", err)
	}
	a.logger.Info("views rebuilt", "events", n)
	return nil
}

// traces lists recent spans, filtered by the name, aggregate_id,
// command_id, errors and limit query parameters.
func (a *app) traces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := observability.SpanFilter{
		Name:        q.Get("name"),
		AggregateID: q.Get("aggregate_id"),
		CommandID:   q.Get("command_id"),
		ErrorsOnly:  q.Get("errors") == "true",
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	spans, err := a.sink.Spans(r.Context(), f)
	writeJSON(w, spans, err)
}

func (a *app) trace(w http.ResponseWriter, r *http.Request) {
	spans, err := a.sink.Trace(r.Context(), r.PathValue("traceID"))
	if err == nil && len(spans) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, spans, err)
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok\n"))
}

// Close releases resources opened outside the runner and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.sinkDB != nil {
		errs = append(errs, a.sinkDB.Close())
		a.sinkDB = nil
	}
	return errors.Join(errs...)
}
