// Package idempotency records which command ids were already handled.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
)

// Store reserves keys for a limited time.
type Store interface {
	// Reserve claims key for ttl. It reports false when the key is already
	// held. A ttl <= 0 holds the key until it is released.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees key so the command may run again.
	Release(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time // zero time never expires
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]time.Time)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := domain.Now()
	if expiry, ok := s.keys[key]; ok && (expiry.IsZero() || now.Before(expiry)) {
		return false, nil
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	s.keys[key] = expiry
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Purge drops expired keys.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := domain.Now()
	n := 0
	for key, expiry := range s.keys {
		if !expiry.IsZero() && !now.Before(expiry) {
			delete(s.keys, key)
			n++
		}
	}
	return n
}
