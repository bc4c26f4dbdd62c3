package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// ReadDatabase is an in-memory store.ReadDatabase. Views are deep copied on
// the way in and out.
type ReadDatabase struct {
	mu    sync.RWMutex
	views map[string]map[string]domain.View
}

var _ store.ReadDatabase = (*ReadDatabase)(nil)

// NewReadDatabase creates an empty in-memory read database.
func NewReadDatabase() *ReadDatabase {
	return &ReadDatabase{views: make(map[string]map[string]domain.View)}
}

// GetByID implements store.ReadDatabase.
func (db *ReadDatabase) GetByID(ctx context.Context, viewType, id string) (domain.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	v, ok := db.views[viewType][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v.Clone(), nil
}

// GetList implements store.ReadDatabase. Without a sort field views are
// returned in id order.
func (db *ReadDatabase) GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	byID := db.views[viewType]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	all := make([]domain.View, 0, len(ids))
	for _, id := range ids {
		all = append(all, byID[id].Clone())
	}
	db.mu.RUnlock()

	return store.ApplyListOptions(all, opts), nil
}

// Save implements store.ReadDatabase.
func (db *ReadDatabase) Save(ctx context.Context, viewType string, view domain.View) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := view.ID()
	if id == "" {
		return domain.New(domain.CodeSaveViewFailed, "view has no id")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.views[viewType] == nil {
		db.views[viewType] = make(map[string]domain.View)
	}
	db.views[viewType][id] = view.Clone()
	return nil
}

// Delete implements store.ReadDatabase.
func (db *ReadDatabase) Delete(ctx context.Context, viewType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.views[viewType], id)
	return nil
}

// Len returns the number of views of a type.
func (db *ReadDatabase) Len(viewType string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.views[viewType])
}
