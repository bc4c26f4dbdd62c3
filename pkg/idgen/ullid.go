// Package idgen generates identifiers.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a lexicographically sortable id. Used for event and
// command ids.
func NewULID() string {
	return ulid.Make().String()
}

// NewUUID returns a random (v4) UUID. Used for aggregate instance ids.
func NewUUID() string {
	return uuid.NewString()
}

// Generator returns a new id on each call.
type Generator func() string
