package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AggregateIDSeparator separates the aggregate type from the instance id in
// the text form of an AggregateID ("counter#6f1c...").
const AggregateIDSeparator = "#"

var aggregateTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// AggregateID identifies one aggregate instance. It is a typed pair rather
// than a composite string so it can be validated once at the boundary.
type AggregateID struct {
	// Type is the aggregate type name (e.g. "counter", "account").
	Type string

	// ID is the instance identifier, a UUID.
	ID string
}

// NewAggregateID returns an id for a new instance of aggregateType.
func NewAggregateID(aggregateType string) AggregateID {
	return AggregateID{Type: aggregateType, ID: uuid.NewString()}
}

// ParseAggregateID parses the "type#uuid" text form.
func ParseAggregateID(s string) (AggregateID, error) {
	aggregateType, id, ok := strings.Cut(s, AggregateIDSeparator)
	if !ok {
		return AggregateID{}, Newf(CodeInvalidAggregateID, "aggregate id %q is missing the %q separator", s, AggregateIDSeparator)
	}

	aid := AggregateID{Type: aggregateType, ID: id}
	if err := aid.Validate(); err != nil {
		return AggregateID{}, err
	}
	return aid, nil
}

// Validate reports whether the id has a well-formed type and a UUID instance id.
func (a AggregateID) Validate() error {
	if !aggregateTypePattern.MatchString(a.Type) {
		return Newf(CodeInvalidAggregateID, "invalid aggregate type %q", a.Type)
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		return Wrap(CodeInvalidAggregateID, fmt.Sprintf("invalid aggregate id %q", a.ID), err)
	}
	return nil
}

// IsZero reports whether the id is unset.
func (a AggregateID) IsZero() bool {
	return a.Type == "" && a.ID == ""
}

func (a AggregateID) String() string {
	return a.Type + AggregateIDSeparator + a.ID
}

// MarshalText implements encoding.TextMarshaler.
func (a AggregateID) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Only the shape is
// checked here; callers validate at the boundary.
func (a *AggregateID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = AggregateID{}
		return nil
	}
	aggregateType, id, ok := strings.Cut(string(text), AggregateIDSeparator)
	if !ok {
		return Newf(CodeInvalidAggregateID, "aggregate id %q is missing the %q separator", string(text), AggregateIDSeparator)
	}
	*a = AggregateID{Type: aggregateType, ID: id}
	return nil
}

// State is the materialized state of one aggregate instance at Version.
// Version 0 means nothing has been persisted yet.
type State[S any] struct {
	AggregateID AggregateID
	Version     int64
	Data        S
}

// TimeFunc is a function that returns the current time.
// Can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}
