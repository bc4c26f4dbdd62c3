package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventStore implements store.EventStore and store.EventLog on SQLite.
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

const selectEvents = `SELECT position, event_id, aggregate_type, aggregate_id, event_type, version, payload, metadata, timestamp FROM events`

// GetEvents implements store.EventStore.
func (s *EventStore) GetEvents(ctx context.Context, id domain.AggregateID, fromVersion int64) ([]*domain.Event, error) {
	rows, err := s.db.db.QueryContext(ctx,
		selectEvents+` WHERE aggregate_type = ? AND aggregate_id = ? AND version > ? ORDER BY version ASC`,
		id.Type, id.ID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, _, err := scanEvents(rows)
	return events, err
}

// GetLastEventVersion implements store.EventStore.
func (s *EventStore) GetLastEventVersion(ctx context.Context, id domain.AggregateID) (int64, error) {
	return lastVersion(ctx, s.db.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastVersion(ctx context.Context, q queryRower, id domain.AggregateID) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		id.Type, id.ID,
	).Scan(&version)
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

	return s.db.write(ctx, func(tx *sql.Tx) error {
		current, err := lastVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return domain.Newf(domain.CodeConcurrencyConflict, "aggregate %s is at version %d, expected %d", id, current, expectedVersion)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, version, payload, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			metadata, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %s: %w", e.ID, err)
			}
			_, err = stmt.ExecContext(ctx,
				e.ID, id.Type, id.ID, e.Type, e.Version, []byte(e.Payload), string(metadata), e.Timestamp.UnixNano(),
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

// LoadAllEvents implements store.EventLog. Positions are the autoincrement
// row ids of the events table.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, int64, error) {
	query := selectEvents + ` WHERE position > ? ORDER BY position ASC`
	args := []any{fromPosition}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fromPosition, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	events, last, err := scanEvents(rows)
	if err != nil {
		return nil, fromPosition, err
	}
	if len(events) == 0 {
		return nil, fromPosition, nil
	}
	return events, last, nil
}

// GetSnapshot implements store.SnapshotStore.
func (s *EventStore) GetSnapshot(ctx context.Context, id domain.AggregateID) (*domain.Snapshot, error) {
	var (
		version int64
		data    []byte
		ts      int64
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT version, data, timestamp FROM snapshots
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY version DESC LIMIT 1`,
		id.Type, id.ID,
	).Scan(&version, &data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &domain.Snapshot{
		AggregateID: id,
		Version:     version,
		Data:        data,
		Timestamp:   time.Unix(0, ts).UTC(),
	}, nil
}

// SaveSnapshot implements store.SnapshotStore. Older snapshots of the
// aggregate are removed.
func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	id := snapshot.AggregateID
	return s.db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (aggregate_type, aggregate_id, version, data, timestamp)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (aggregate_type, aggregate_id, version) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp`,
			id.Type, id.ID, snapshot.Version, []byte(snapshot.Data), snapshot.Timestamp.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ? AND version < ?`,
			id.Type, id.ID, snapshot.Version,
		)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		return nil
	})
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, int64, error) {
	var (
		events []*domain.Event
		last   int64
	)
	for rows.Next() {
		var (
			e        domain.Event
			payload  []byte
			metadata string
			ts       int64
		)
		err := rows.Scan(&last, &e.ID, &e.AggregateID.Type, &e.AggregateID.ID, &e.Type, &e.Version, &payload, &metadata, &ts)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal metadata of event %s: %w", e.ID, err)
			}
		}
		e.Payload = payload
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}
	return events, last, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
