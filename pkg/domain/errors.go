package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error code.
type Code string

// Input errors.
const (
	CodeInvalidOperation        Code = "INVALID_OPERATION"
	CodeInvalidAggregateID      Code = "INVALID_AGGREGATE_ID"
	CodeInvalidPayload          Code = "INVALID_PAYLOAD"
	CodeInvalidQuery            Code = "INVALID_QUERY"
	CodeCommandHandlerNotFound  Code = "COMMAND_HANDLER_NOT_FOUND"
	CodeQueryHandlerNotFound    Code = "QUERY_HANDLER_NOT_FOUND"
	CodeEventHandlerNotFound    Code = "EVENT_HANDLER_NOT_FOUND"
	CodeCommandAlreadyProcessed Code = "COMMAND_ALREADY_PROCESSED"
)

// Business rule errors raised by the framework itself. Deciders return their
// own errors, which pass through untouched.
const (
	CodeUnknownOperation Code = "UNKNOWN_OPERATION"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
)

// Pipeline errors.
const (
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeNoEventsGenerated   Code = "NO_EVENTS_GENERATED"
	CodeEventDeciderError   Code = "EVENT_DECIDER_ERROR"
)

// Storage errors.
const (
	CodeSnapshotCannotBeLoaded Code = "SNAPSHOT_CANNOT_BE_LOADED"
	CodeSnapshotCannotBeSaved  Code = "SNAPSHOT_CANNOT_BE_SAVED"
	CodeEventsCannotBeLoaded   Code = "EVENTS_CANNOT_BE_LOADED"
	CodeEventsCannotBeSaved    Code = "EVENTS_CANNOT_BE_SAVED"
	CodeEventsNotPublished     Code = "EVENTS_NOT_PUBLISHED"
	CodeReadDatabaseError      Code = "READ_DATABASE_ERROR"
	CodeGetViewFailed          Code = "GET_VIEW_FAILED"
	CodeSaveViewFailed         Code = "SAVE_VIEW_FAILED"
	CodeDeleteViewFailed       Code = "DELETE_VIEW_FAILED"
)

// Projection state errors.
const (
	CodeViewAlreadyExists Code = "VIEW_ALREADY_EXISTS"
	CodeViewNotFound      Code = "VIEW_NOT_FOUND"
	CodeEventTypeNotFound Code = "EVENT_TYPE_NOT_FOUND"
	CodeProjectionFailed  Code = "PROJECTION_FAILED"
)

// Cascading dispatch errors.
const (
	CodeCommandDispatchFailed Code = "COMMAND_DISPATCH_FAILED"
	CodeCascadeDepthExceeded  Code = "CASCADE_DEPTH_EXCEEDED"
)

// Error is the error type returned by every pipeline step.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether re-running the whole pipeline may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

var (
	// ErrConcurrencyConflict is returned when another writer persisted events
	// after the aggregate was replayed.
	ErrConcurrencyConflict = New(CodeConcurrencyConflict, "aggregate version mismatch")

	// ErrUnknownEventType is returned by reducers for event types they do not handle.
	// The processor treats it as a no-op.
	ErrUnknownEventType = New(CodeEventTypeNotFound, "unknown event type")

	// ErrUnknownOperation is returned by deciders for operations they do not handle.
	ErrUnknownOperation = New(CodeUnknownOperation, "unknown operation")

	// ErrCommandAlreadyProcessed is returned when a command id was already handled.
	ErrCommandAlreadyProcessed = New(CodeCommandAlreadyProcessed, "command already processed")
)
