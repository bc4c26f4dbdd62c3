package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/eventcore/pkg/store"
)

// CheckpointStore implements store.CheckpointStore on PostgreSQL.
type CheckpointStore struct {
	db *DB
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a checkpoint store on db.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// LoadCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, name string) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	err := s.db.db.QueryRowxContext(ctx,
		`SELECT name, position, last_event_id, updated_at FROM checkpoints WHERE name = $1`, name,
	).Scan(&cp.Name, &cp.Position, &cp.LastEventID, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

// SaveCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *store.Checkpoint) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, position, last_event_id, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		checkpoint.Name, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", checkpoint.Name, err)
	}
	return nil
}

// DeleteCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", name, err)
	}
	return nil
}
