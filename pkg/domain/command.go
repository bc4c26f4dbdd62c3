package domain

import (
	"encoding/json"
)

// Command represents an intention to change the state of one aggregate.
// Commands are not persisted.
type Command struct {
	// ID is an optional client supplied identifier. When set it drives
	// idempotency and deterministic event ids.
	ID string `json:"id,omitempty"`

	// Operation names what the command does (e.g. "increment").
	Operation string `json:"operation"`

	// AggregateID is the target aggregate; its Type selects the handler.
	AggregateID AggregateID `json:"aggregateId"`

	// Payload is the JSON encoded command body.
	Payload json.RawMessage `json:"payload,omitempty"`

	Metadata CommandMetadata `json:"metadata,omitzero"`
}

// CommandMetadata contains contextual information about a command.
type CommandMetadata struct {
	// CorrelationID is used to trace related commands and events
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID is the id of the event that caused this command, if any
	CausationID string `json:"causationId,omitempty"`

	// PrincipalID is the identifier of the principal executing this command
	PrincipalID string `json:"principalId,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// NewCommand builds a command, encoding payload with MarshalPayload.
func NewCommand(operation string, aggregateID AggregateID, payload any) (Command, error) {
	data, err := MarshalPayload(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Operation:   operation,
		AggregateID: aggregateID,
		Payload:     data,
	}, nil
}

// Decode decodes the command payload into v.
func (c Command) Decode(v any) error {
	return UnmarshalPayload(c.Payload, v)
}

// Validate checks the shape of the command: a non-empty operation and a
// well-formed aggregate id.
func (c Command) Validate() error {
	if c.Operation == "" {
		return New(CodeInvalidOperation, "command operation is required")
	}
	return c.AggregateID.Validate()
}
