package domain

import (
	"encoding/json"
	"time"
)

// Snapshot is a cached fold of an aggregate's events up to Version.
// It is never authoritative on its own: replay always continues with the
// events strictly newer than Version.
type Snapshot struct {
	AggregateID AggregateID     `json:"aggregateId"`
	Version     int64           `json:"version"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}
