package eventsourcing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/stretchr/testify/require"
)

type tally struct {
	Count   int64 `json:"count"`
	Created bool  `json:"created"`
}

type amount struct {
	Amount int64 `json:"amount"`
}

var errTooLow = errors.New("count would drop below zero")

func tallyAggregate() eventsourcing.Aggregate[tally] {
	return eventsourcing.Aggregate[tally]{
		Type: "tally",
		Init: func(domain.AggregateID) tally { return tally{} },
		Decide: func(s domain.State[tally], cmd domain.Command) ([]*domain.Event, error) {
			switch cmd.Operation {
			case "create":
				if s.Data.Created {
					return nil, errors.New("already created")
				}
				return []*domain.Event{domain.MustEvent("created", nil)}, nil
			case "increment":
				var p amount
				if len(cmd.Payload) > 0 {
					if err := cmd.Decode(&p); err != nil {
						return nil, err
					}
				}
				if p.Amount == 0 {
					p.Amount = 1
				}
				return []*domain.Event{domain.MustEvent("incremented", p)}, nil
			case "decrement":
				var p amount
				if err := cmd.Decode(&p); err != nil {
					return nil, err
				}
				if p.Amount > s.Data.Count {
					return nil, errTooLow
				}
				return []*domain.Event{domain.MustEvent("decremented", p)}, nil
			case "double":
				return []*domain.Event{
					domain.MustEvent("incremented", amount{Amount: 1}),
					domain.MustEvent("incremented", amount{Amount: 1}),
				}, nil
			case "noop":
				return nil, nil
			case "explode":
				panic("boom")
			case "legacy":
				return []*domain.Event{domain.MustEvent("renamed", nil)}, nil
			default:
				return nil, domain.ErrUnknownOperation
			}
		},
		Reduce: func(s tally, e *domain.Event) (tally, error) {
			switch e.Type {
			case "created":
				s.Created = true
				return s, nil
			case "incremented":
				var p amount
				if err := e.Decode(&p); err != nil {
					return s, err
				}
				s.Count += p.Amount
				return s, nil
			case "decremented":
				var p amount
				if err := e.Decode(&p); err != nil {
					return s, err
				}
				s.Count -= p.Amount
				return s, nil
			default:
				return s, domain.ErrUnknownEventType
			}
		},
	}
}

func mustCommand(t *testing.T, op string, id domain.AggregateID, payload any) domain.Command {
	t.Helper()
	cmd, err := domain.NewCommand(op, id, payload)
	require.NoError(t, err)
	return cmd
}

// flakyStore wraps an event store and fails selected calls.
type flakyStore struct {
	store.EventStore

	mu               sync.Mutex
	failSnapshotSave bool
	failSnapshotLoad bool
	failGetEvents    bool
	failSave         bool
	snapshotSaves    int
	// beforeCheck runs once before the next version check.
	beforeCheck func()
}

func newFlakyStore() *flakyStore {
	return &flakyStore{EventStore: memory.NewEventStore()}
}

func (s *flakyStore) GetEvents(ctx context.Context, id domain.AggregateID, from int64) ([]*domain.Event, error) {
	if s.failGetEvents {
		return nil, fmt.Errorf("disk on fire")
	}
	return s.EventStore.GetEvents(ctx, id, from)
}

func (s *flakyStore) GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error) {
	s.mu.Lock()
	hook := s.beforeCheck
	s.beforeCheck = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.EventStore.GetLastEventVersion(ctx, id)
}

func (s *flakyStore) SaveEvents(ctx context.Context, id domain.AggregateID, expected int64, events []*domain.Event) error {
	if s.failSave {
		return fmt.Errorf("disk full")
	}
	return s.EventStore.SaveEvents(ctx, id, expected, events)
}

func (s *flakyStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	if s.failSnapshotLoad {
		return nil, fmt.Errorf("snapshot bucket gone")
	}
	return s.EventStore.GetSnapshot(ctx, id)
}

func (s *flakyStore) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	s.snapshotSaves++
	s.mu.Unlock()
	if s.failSnapshotSave {
		return fmt.Errorf("snapshot bucket gone")
	}
	return s.EventStore.SaveSnapshot(ctx, snap)
}

// failingReadDB fails the selected ReadDatabase method.
type failingReadDB struct {
	store.ReadDatabase
	failGet, failSave, failDelete, failList bool
}

func (db *failingReadDB) GetByID(ctx context.Context, viewType, id string) (domain.View, error) {
	if db.failGet {
		return nil, errors.New("connection reset")
	}
	return db.ReadDatabase.GetByID(ctx, viewType, id)
}

func (db *failingReadDB) GetList(ctx context.Context, viewType string, opts domain.ListOptions) ([]domain.View, error) {
	if db.failList {
		return nil, errors.New("connection reset")
	}
	return db.ReadDatabase.GetList(ctx, viewType, opts)
}

func (db *failingReadDB) Save(ctx context.Context, viewType string, view domain.View) error {
	if db.failSave {
		return errors.New("connection reset")
	}
	return db.ReadDatabase.Save(ctx, viewType, view)
}

func (db *failingReadDB) Delete(ctx context.Context, viewType, id string) error {
	if db.failDelete {
		return errors.New("connection reset")
	}
	return db.ReadDatabase.Delete(ctx, viewType, id)
}
