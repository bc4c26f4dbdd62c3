package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// Projector feeds the global event log to an EventBus from a checkpoint.
// It only runs projections: policy commands are discarded, since they were
// dispatched when the events were first received. Events of aggregate types
// without a reactor are skipped.
type Projector struct {
	name        string
	log         store.EventLog
	bus         *EventBus
	checkpoints store.CheckpointStore
	batchSize   int
	logger      *slog.Logger
}

// NewProjector creates a projector. checkpoints may be nil, in which case
// every CatchUp starts from the beginning of the log.
func NewProjector(name string, log store.EventLog, bus *EventBus, checkpoints store.CheckpointStore, opts ...Option) *Projector {
	cfg := newConfig(opts)
	return &Projector{
		name:        name,
		log:         log,
		bus:         bus,
		checkpoints: checkpoints,
		batchSize:   cfg.batchSize,
		logger:      cfg.logger,
	}
}

var discardCommands = store.DispatcherFunc(func(context.Context, domain.Command) error { return nil })

// CatchUp projects every event after the checkpoint and returns how many
// events were projected. The checkpoint is saved after each batch.
func (p *Projector) CatchUp(ctx context.Context) (int, error) {
	position, err := p.position(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		events, last, err := p.log.LoadAllEvents(ctx, position, p.batchSize)
		if err != nil {
			return total, domain.Wrap(domain.CodeEventsCannotBeLoaded, fmt.Sprintf("load events after position %d", position), err)
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			if !p.bus.HasReactor(event.AggregateID.Type) {
				continue
			}
			if err := p.bus.receive(ctx, event, discardCommands); err != nil {
				return total, err
			}
			total++
		}

		position = last
		if err := p.save(ctx, position, events[len(events)-1].ID); err != nil {
			return total, err
		}
		if len(events) < p.batchSize {
			break
		}
	}

	p.logger.InfoContext(ctx, "projector caught up",
		slog.String("projector", p.name),
		slog.Int64("position", position),
		slog.Int("events", total),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return total, nil
}

// Rebuild forgets the checkpoint and projects the whole log again. The
// views must have been cleared beforehand, or init projections fail with
// VIEW_ALREADY_EXISTS.
func (p *Projector) Rebuild(ctx context.Context) (int, error) {
	if p.checkpoints != nil {
		if err := p.checkpoints.DeleteCheckpoint(ctx, p.name); err != nil {
			return 0, fmt.Errorf("delete checkpoint %s: %w", p.name, err)
		}
	}
	return p.CatchUp(ctx)
}

func (p *Projector) position(ctx context.Context) (int64, error) {
	if p.checkpoints == nil {
		return 0, nil
	}
	cp, err := p.checkpoints.LoadCheckpoint(ctx, p.name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", p.name, err)
	}
	if cp == nil {
		return 0, nil
	}
	return cp.Position, nil
}

func (p *Projector) save(ctx context.Context, position int64, lastEventID string) error {
	if p.checkpoints == nil {
		return nil
	}
	err := p.checkpoints.SaveCheckpoint(ctx, &store.Checkpoint{
		Name:        p.name,
		Position:    position,
		LastEventID: lastEventID,
		UpdatedAt:   domain.Now(),
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s at %d: %w", p.name, position, err)
	}
	return nil
}
