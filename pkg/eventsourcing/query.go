package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// Retrieval reads one result of a query from the read database.
type Retrieval interface {
	Retrieve(ctx context.Context, db store.ReadDatabase, q domain.Query) (any, error)
}

// GetByID retrieves a single view. ID defaults to the "id" param.
type GetByID struct {
	ViewType string
	ID       func(q domain.Query) (string, error)
}

// Retrieve implements Retrieval. The result is a domain.View.
func (r GetByID) Retrieve(ctx context.Context, db store.ReadDatabase, q domain.Query) (any, error) {
	id, err := r.id(q)
	if err != nil {
		return nil, err
	}

	view, err := db.GetByID(ctx, r.ViewType, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Newf(domain.CodeViewNotFound, "view %s/%s does not exist", r.ViewType, id)
	}
	if err != nil {
		return nil, domain.Wrap(domain.CodeReadDatabaseError, fmt.Sprintf("get view %s/%s", r.ViewType, id), err)
	}
	return view.Clone(), nil
}

func (r GetByID) id(q domain.Query) (string, error) {
	if r.ID != nil {
		id, err := r.ID(q)
		if err != nil {
			return "", asInvalidQuery(err)
		}
		return id, nil
	}
	id := q.StringParam("id")
	if id == "" {
		return "", domain.Newf(domain.CodeInvalidQuery, "%s requires an id param", q.Operation)
	}
	return id, nil
}

// GetList retrieves a list of views. Options defaults to
// domain.ListOptionsFromParams.
type GetList struct {
	ViewType string
	Options  func(q domain.Query) (domain.ListOptions, error)
}

// Retrieve implements Retrieval. The result is a []domain.View, never nil.
func (r GetList) Retrieve(ctx context.Context, db store.ReadDatabase, q domain.Query) (any, error) {
	var (
		opts domain.ListOptions
		err  error
	)
	if r.Options != nil {
		opts, err = r.Options(q)
	} else {
		opts, err = domain.ListOptionsFromParams(q.Params)
	}
	if err != nil {
		return nil, asInvalidQuery(err)
	}

	views, err := db.GetList(ctx, r.ViewType, opts)
	if err != nil {
		return nil, domain.Wrap(domain.CodeReadDatabaseError, fmt.Sprintf("list views %s", r.ViewType), err)
	}
	out := make([]domain.View, len(views))
	for i, v := range views {
		out[i] = v.Clone()
	}
	return out, nil
}

func asInvalidQuery(err error) error {
	if domain.CodeOf(err) != "" {
		return err
	}
	return domain.Wrap(domain.CodeInvalidQuery, "invalid query params", err)
}

// Resolution maps result keys to retrievals for one query operation.
type Resolution map[string]Retrieval

// Resolver groups the query operations of one read model.
type Resolver struct {
	Name       string
	Operations map[string]Resolution
}

// QueryDispatcher runs queries. QueryBus implements it, as do the remote
// clients and instrumented wrappers built on it.
type QueryDispatcher interface {
	Dispatch(ctx context.Context, q domain.Query) (map[string]any, error)
}

// QueryDispatcherFunc is a function adapter for QueryDispatcher.
type QueryDispatcherFunc func(ctx context.Context, q domain.Query) (map[string]any, error)

// Dispatch implements QueryDispatcher.
func (f QueryDispatcherFunc) Dispatch(ctx context.Context, q domain.Query) (map[string]any, error) {
	return f(ctx, q)
}

// QueryBus resolves queries against the read database.
type QueryBus struct {
	db         store.ReadDatabase
	operations map[string]Resolution
	owners     map[string]string
	logger     *slog.Logger
	mu         sync.RWMutex
}

var _ QueryDispatcher = (*QueryBus)(nil)

// NewQueryBus creates a query bus reading from db.
func NewQueryBus(db store.ReadDatabase, opts ...Option) *QueryBus {
	cfg := newConfig(opts)
	return &QueryBus{
		db:         db,
		operations: make(map[string]Resolution),
		owners:     make(map[string]string),
		logger:     cfg.logger,
	}
}

// RegisterResolver adds the operations of r. Nothing is registered if any
// operation name is already taken.
func (b *QueryBus) RegisterResolver(r Resolver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for op, res := range r.Operations {
		if op == "" {
			return fmt.Errorf("eventsourcing: resolver %s has an empty operation name", r.Name)
		}
		if owner, exists := b.owners[op]; exists {
			return fmt.Errorf("eventsourcing: query operation %s of resolver %s already registered by %s", op, r.Name, owner)
		}
		if len(res) == 0 {
			return fmt.Errorf("eventsourcing: query operation %s of resolver %s has no results", op, r.Name)
		}
		for key, retrieval := range res {
			if retrieval == nil {
				return fmt.Errorf("eventsourcing: query operation %s of resolver %s has no retrieval for %s", op, r.Name, key)
			}
		}
	}

	for op, res := range r.Operations {
		b.operations[op] = res
		b.owners[op] = r.Name
	}
	return nil
}

// Operations returns the registered query operations.
func (b *QueryBus) Operations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ops := make([]string, 0, len(b.operations))
	for op := range b.operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Dispatch runs every retrieval of the query's operation and returns the
// results keyed by name. Retrievals run sequentially in key order and the
// first failure aborts the query.
func (b *QueryBus) Dispatch(ctx context.Context, q domain.Query) (map[string]any, error) {
	if q.Operation == "" {
		return nil, domain.New(domain.CodeInvalidQuery, "query operation is required")
	}

	b.mu.RLock()
	res, ok := b.operations[q.Operation]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.Newf(domain.CodeQueryHandlerNotFound, "no resolver for query %q", q.Operation)
	}

	keys := make([]string, 0, len(res))
	for key := range res {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make(map[string]any, len(res))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := res[key].Retrieve(ctx, b.db, q)
		if err != nil {
			b.logger.DebugContext(ctx, "query retrieval failed",
				slog.String("operation", q.Operation),
				slog.String("result", key),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		result[key] = v
	}
	return result, nil
}
