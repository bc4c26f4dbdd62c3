package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventStore implements store.EventStore and store.EventLog on PostgreSQL.
// The unique (aggregate, version) constraint arbitrates concurrent writers.
type EventStore struct {
	db *DB
}

var (
	_ store.EventStore = (*EventStore)(nil)
	_ store.EventLog   = (*EventStore)(nil)
)

// NewEventStore creates an event store on db.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

type eventRow struct {
	Position      int64     `db:"position"`
	EventID       string    `db:"event_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Version       int64     `db:"version"`
	Payload       []byte    `db:"payload"`
	Metadata      []byte    `db:"metadata"`
	OccurredAt    time.Time `db:"occurred_at"`
}

func (r eventRow) toEvent() (*domain.Event, error) {
	e := &domain.Event{
		ID:          r.EventID,
		AggregateID: domain.AggregateID{Type: r.AggregateType, ID: r.AggregateID},
		Type:        r.EventType,
		Version:     r.Version,
		Payload:     r.Payload,
		Timestamp:   r.OccurredAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of event %s: %w", r.EventID, err)
		}
	}
	return e, nil
}

const selectEvents = `SELECT position, event_id, aggregate_type, aggregate_id, event_type, version, payload, metadata, occurred_at FROM events`

// GetEvents implements store.EventStore.
func (s *EventStore) GetEvents(ctx context.Context, id domain.AggregateID, fromVersion int64) ([]*domain.Event, error) {
	var rows []eventRow
	err := s.db.db.SelectContext(ctx, &rows,
		selectEvents+` WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3 ORDER BY version ASC`,
		id.Type, id.ID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return toEvents(rows)
}

// GetLastEventVersion implements store.EventStore.
func (s *EventStore) GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error) {
	return lastVersion(ctx, s.db.db, id)
}

func lastVersion(ctx context.Context, q sqlx.QueryerContext, id domain.AggregateID) (int64, error) {
	var version int64
	err := sqlx.GetContext(ctx, q, &version,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		id.Type, id.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("get last version: %w", err)
	}
	return version, nil
}

// SaveEvents implements store.EventStore.
func (s *EventStore) SaveEvents(ctx context.Context, id domain.AggregateID, expectedVersion int64, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := store.ValidateBatch(id, expectedVersion, events); err != nil {
		return err
	}

	return s.db.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := lastVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return domain.Newf(domain.CodeConcurrencyConflict, "aggregate %s is at version %d, expected %d", id, current, expectedVersion)
		}

		for _, e := range events {
			metadata, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %s: %w", e.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, version, payload, metadata, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.ID, id.Type, id.ID, e.Type, e.Version, []byte(e.Payload), string(metadata), e.Timestamp.UTC(),
			)
			if err != nil {
				if isUniqueViolation(err) {
					return domain.Wrap(domain.CodeConcurrencyConflict, fmt.Sprintf("event %s at version %d already exists", e.ID, e.Version), err)
				}
				return fmt.Errorf("insert event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// LoadAllEvents implements store.EventLog.
//
// BIGSERIAL positions are assigned at insert time, so a transaction that
// commits late can land behind a position already read. Projectors that
// need gap-free reads should run against a single writer.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error) {
	query := selectEvents + ` WHERE position > $1 ORDER BY position ASC`
	args := []any{fromPosition}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fromPosition, fmt.Errorf("query event log: %w", err)
	}
	if len(rows) == 0 {
		return nil, fromPosition, nil
	}
	events, err := toEvents(rows)
	if err != nil {
		return nil, fromPosition, err
	}
	return events, rows[len(rows)-1].Position, nil
}

// GetSnapshot implements store.SnapshotStore.
func (s *EventStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	var row struct {
		Version int64     `db:"version"`
		Data    []byte    `db:"data"`
		TakenAt time.Time `db:"taken_at"`
	}
	err := s.db.db.GetContext(ctx, &row,
		`SELECT version, data, taken_at FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`,
		id.Type, id.ID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &domain.Snapshot{AggregateID: id, Version: row.Version, Data: row.Data, Timestamp: row.TakenAt.UTC()}, nil
}

// SaveSnapshot implements store.SnapshotStore. A snapshot older than the
// stored one is ignored.
func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	id := snapshot.AggregateID
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_type, aggregate_id, version, data, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE
		SET version = excluded.version, data = excluded.data, taken_at = excluded.taken_at
		WHERE snapshots.version <= excluded.version`,
		id.Type, id.ID, snapshot.Version, []byte(snapshot.Data), snapshot.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func toEvents(rows []eventRow) ([]*domain.Event, error) {
	events := make([]*domain.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
