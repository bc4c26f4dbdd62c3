package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventcore/pkg/store"
)

// CheckpointStore implements store.CheckpointStore on SQLite.
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
	cp := store.Checkpoint{Name: name}
	var updatedAt int64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT position, last_event_id, updated_at FROM checkpoints WHERE name = ?`, name,
	).Scan(&cp.Position, &cp.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &cp, nil
}

// SaveCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *store.Checkpoint) error {
	return s.db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (name, position, last_event_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				position = excluded.position,
				last_event_id = excluded.last_event_id,
				updated_at = excluded.updated_at`,
			checkpoint.Name, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save checkpoint %s: %w", checkpoint.Name, err)
		}
		return nil
	})
}

// DeleteCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	return s.db.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", name, err)
		}
		return nil
	})
}
