package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventcore/pkg/store"
)

// CheckpointStore is an in-memory store.CheckpointStore.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]store.Checkpoint
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]store.Checkpoint)}
}

// LoadCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, name string) (*store.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[name]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// SaveCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpoint.Name] = *checkpoint
	return nil
}

// DeleteCheckpoint implements store.CheckpointStore.
func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, name)
	return nil
}
