package eventsourcing

import (
	"context"
	"log/slog"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/idgen"
	"github.com/plaenen/eventcore/pkg/store"
)

// DefaultMaxCascadeDepth bounds how many generations of policy commands a
// Cascade follows from one root command.
const DefaultMaxCascadeDepth = 16

// DefaultBatchSize is how many events a Projector reads per batch.
const DefaultBatchSize = 500

// config is shared by the constructors in this package; each reads the
// fields it needs.
type config struct {
	logger          *slog.Logger
	snapshots       store.SnapshotStrategy
	onSnapshotError func(ctx context.Context, id domain.AggregateID, err error)
	newID           idgen.Generator
	publisher       EventPublisher
	maxDepth        int
	batchSize       int
	onProjectionErr func(ctx context.Context, event *domain.Event, viewType string, err error)
	onCascade       func(ctx context.Context, depth int, events int, err error)
}

func newConfig(opts []Option) config {
	c := config{
		logger:    slog.Default(),
		snapshots: store.NeverSnapshot{},
		newID:     idgen.NewULID,
		maxDepth:  DefaultMaxCascadeDepth,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Option configures a CommandProcessor, CommandBus, EventBus, QueryBus,
// Cascade or Projector.
type Option func(*config)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSnapshotStrategy sets when the processor writes snapshots.
func WithSnapshotStrategy(strategy store.SnapshotStrategy) Option {
	return func(c *config) {
		if strategy != nil {
			c.snapshots = strategy
		}
	}
}

// WithSnapshotInterval writes a snapshot every n versions. n <= 0 disables
// snapshots.
func WithSnapshotInterval(n int64) Option {
	return WithSnapshotStrategy(store.NewIntervalSnapshotStrategy(n))
}

// OnSnapshotError is called when a snapshot could not be saved. The command
// itself still succeeds.
func OnSnapshotError(fn func(ctx context.Context, id domain.AggregateID, err error)) Option {
	return func(c *config) {
		c.onSnapshotError = fn
	}
}

// WithIDGenerator sets the generator for event ids of commands without an id.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(c *config) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithPublisher makes the CommandBus publish persisted events.
func WithPublisher(publisher EventPublisher) Option {
	return func(c *config) {
		c.publisher = publisher
	}
}

// WithMaxCascadeDepth bounds the Cascade. n <= 0 means DefaultMaxCascadeDepth.
func WithMaxCascadeDepth(n int) Option {
	return func(c *config) {
		if n <= 0 {
			n = DefaultMaxCascadeDepth
		}
		c.maxDepth = n
	}
}

// WithBatchSize sets how many events a Projector reads at once.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// OnProjectionError is called by the EventBus when a view action fails.
func OnProjectionError(fn func(ctx context.Context, event *domain.Event, viewType string, err error)) Option {
	return func(c *config) {
		c.onProjectionErr = fn
	}
}

// OnCascadeComplete is called when Cascade.Run returns, with the deepest
// policy generation reached and the number of persisted events.
func OnCascadeComplete(fn func(ctx context.Context, depth int, events int, err error)) Option {
	return func(c *config) {
		c.onCascade = fn
	}
}
