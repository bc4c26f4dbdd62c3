package eventsourcing

import (
	"context"
	"log/slog"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// Cascade drives the command, event, policy command loop in process. It runs
// a command through the CommandBus, feeds each persisted event to the
// EventBus and queues the commands the policies emit, breadth first, until
// no command is left.
//
// Commands emitted n policy hops away from the root are at depth n. A
// command beyond the maximum depth fails the cascade with
// CASCADE_DEPTH_EXCEEDED. Work already persisted is not rolled back.
//
// The CommandBus should not also publish to the same EventBus, or every
// event is received twice.
type Cascade struct {
	commands *CommandBus
	events   *EventBus
	maxDepth int
	logger   *slog.Logger
	observe  func(ctx context.Context, depth int, events int, err error)
}

var _ store.CommandDispatcher = (*Cascade)(nil)

type queuedCommand struct {
	cmd   domain.Command
	depth int
}

// NewCascade creates a cascade. WithMaxCascadeDepth bounds it.
func NewCascade(commands *CommandBus, events *EventBus, opts ...Option) *Cascade {
	cfg := newConfig(opts)
	return &Cascade{
		commands: commands,
		events:   events,
		maxDepth: cfg.maxDepth,
		logger:   cfg.logger,
		observe:  cfg.onCascade,
	}
}

// Dispatch implements store.CommandDispatcher.
func (c *Cascade) Dispatch(ctx context.Context, cmd domain.Command) error {
	_, err := c.Run(ctx, cmd)
	return err
}

// Run executes cmd and everything it triggers. It returns all persisted
// events in the order they were produced, also when it fails part way.
func (c *Cascade) Run(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	all, depth, err := c.run(ctx, cmd)
	if c.observe != nil {
		c.observe(ctx, depth, len(all), err)
	}
	return all, err
}

func (c *Cascade) run(ctx context.Context, cmd domain.Command) (all []*domain.Event, depth int, err error) {
	correlationID := cmd.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = cmd.ID
	}

	queue := []queuedCommand{{cmd: cmd}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return all, depth, err
		}

		next := queue[0]
		queue = queue[1:]
		depth = max(depth, next.depth)

		if next.depth > c.maxDepth {
			c.logger.WarnContext(ctx, "cascade depth exceeded",
				slog.String("operation", next.cmd.Operation),
				slog.String("aggregate_id", next.cmd.AggregateID.String()),
				slog.Int("depth", next.depth),
				slog.Int("max_depth", c.maxDepth),
			)
			return all, depth, domain.Newf(domain.CodeCascadeDepthExceeded,
				"%s on %s is %d policy hops from the root command, max is %d",
				next.cmd.Operation, next.cmd.AggregateID, next.depth, c.maxDepth)
		}

		events, err := c.commands.Execute(ctx, next.cmd)
		all = append(all, events...)
		if err != nil {
			return all, depth, err
		}

		for _, event := range events {
			collect := store.DispatcherFunc(func(_ context.Context, produced domain.Command) error {
				if produced.Metadata.CorrelationID == "" || produced.Metadata.CorrelationID == event.Metadata.CorrelationID {
					produced.Metadata.CorrelationID = correlationID
				}
				produced.Metadata.CausationID = event.ID
				queue = append(queue, queuedCommand{cmd: produced, depth: next.depth + 1})
				return nil
			})
			if err := c.events.receive(ctx, event, collect); err != nil {
				return all, depth, err
			}
		}
	}
	return all, depth, nil
}
