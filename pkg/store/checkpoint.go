package store

import (
	"context"
	"time"
)

// Checkpoint records how far a projector has read the global event log.
type Checkpoint struct {
	Name        string
	Position    int64
	LastEventID string
	UpdatedAt   time.Time
}

// CheckpointStore persists projector checkpoints.
type CheckpointStore interface {
	// LoadCheckpoint returns nil, nil when the projector has no checkpoint.
	LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error)

	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// DeleteCheckpoint forgets a checkpoint so the next catch-up starts over.
	DeleteCheckpoint(ctx context.Context, name string) error
}
