package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts; they are only created by the command processor.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`

	// AggregateID is the aggregate this event belongs to
	AggregateID AggregateID `json:"aggregateId"`

	// Type is the event type name (e.g. "incremented")
	Type string `json:"type"`

	// Version is the position of the event in the aggregate's history,
	// starting at 1 with no gaps
	Version int64 `json:"version"`

	// Payload is the JSON encoded event body
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional contextual information
	Metadata EventMetadata `json:"metadata,omitzero"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causationId,omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:"correlationId,omitempty"`

	// PrincipalID is the identifier of the principal who triggered this event
	PrincipalID string `json:"principalId,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// NewEvent is used by deciders to describe an event. Identity, version and
// timestamp are assigned by the command processor.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Payload: data}, nil
}

// MustEvent is like NewEvent but panics on encoding errors. Intended for
// payloads that always encode, such as plain structs.
func MustEvent(eventType string, payload any) *Event {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode decodes the event payload into v.
func (e *Event) Decode(v any) error {
	return UnmarshalPayload(e.Payload, v)
}

// Subject returns the messaging subject suffix for the event:
// "<aggregateType>.<eventType>".
func (e *Event) Subject() string {
	return e.AggregateID.Type + "." + e.Type
}

// GenerateDeterministicEventID generates a deterministic event ID from command context.
// This ensures the same command always produces the same event IDs.
func GenerateDeterministicEventID(commandID string, aggregateID AggregateID, sequence int) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
