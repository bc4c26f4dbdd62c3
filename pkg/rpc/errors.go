package rpc

import (
	"errors"
	"strings"

	"connectrpc.com/connect"
	"github.com/plaenen/eventcore/pkg/domain"
)

// ErrorCodeHeader carries the domain error code of a failed call.
const ErrorCodeHeader = "Error-Code"

var connectCodes = map[domain.Code]connect.Code{
	domain.CodeInvalidOperation:        connect.CodeInvalidArgument,
	domain.CodeInvalidAggregateID:      connect.CodeInvalidArgument,
	domain.CodeInvalidPayload:          connect.CodeInvalidArgument,
	domain.CodeInvalidQuery:            connect.CodeInvalidArgument,
	domain.CodeValidationFailed:        connect.CodeInvalidArgument,
	domain.CodeUnknownOperation:        connect.CodeInvalidArgument,
	domain.CodeCommandHandlerNotFound:  connect.CodeNotFound,
	domain.CodeQueryHandlerNotFound:    connect.CodeNotFound,
	domain.CodeEventHandlerNotFound:    connect.CodeNotFound,
	domain.CodeViewNotFound:            connect.CodeNotFound,
	domain.CodeCommandAlreadyProcessed: connect.CodeAlreadyExists,
	domain.CodeViewAlreadyExists:       connect.CodeAlreadyExists,
	domain.CodeConcurrencyConflict:     connect.CodeAborted,
	domain.CodeUnauthorized:            connect.CodePermissionDenied,
	domain.CodeEventDeciderError:       connect.CodeFailedPrecondition,
	domain.CodeNoEventsGenerated:       connect.CodeFailedPrecondition,
	domain.CodeCascadeDepthExceeded:    connect.CodeResourceExhausted,
	domain.CodeCommandDispatchFailed:   connect.CodeUnavailable,
	domain.CodeEventsNotPublished:      connect.CodeUnavailable,
}

// internalCodes are failures of the stores behind the pipeline.
var internalCodes = map[domain.Code]bool{
	domain.CodeSnapshotCannotBeLoaded: true,
	domain.CodeSnapshotCannotBeSaved:  true,
	domain.CodeEventsCannotBeLoaded:   true,
	domain.CodeEventsCannotBeSaved:    true,
	domain.CodeReadDatabaseError:      true,
	domain.CodeGetViewFailed:          true,
	domain.CodeSaveViewFailed:         true,
	domain.CodeDeleteViewFailed:       true,
	domain.CodeEventTypeNotFound:      true,
	domain.CodeProjectionFailed:       true,
}

// ConnectCode maps a domain code to a connect code. Codes defined by
// deciders are business rejections and map to FailedPrecondition; storage
// codes and errors without a code are Internal.
func ConnectCode(code domain.Code) connect.Code {
	if c, ok := connectCodes[code]; ok {
		return c
	}
	if code == "" || internalCodes[code] {
		return connect.CodeInternal
	}
	return connect.CodeFailedPrecondition
}

// toConnectError converts a pipeline error, keeping its domain code in the
// error metadata.
func toConnectError(err error) *connect.Error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	code := domain.CodeOf(err)
	cerr := connect.NewError(ConnectCode(code), err)
	if code != "" {
		cerr.Meta().Set(ErrorCodeHeader, string(code))
	}
	return cerr
}

// fromConnectError rebuilds the domain error of a failed call. Calls that
// never reached a handler become COMMAND_DISPATCH_FAILED.
func fromConnectError(err error) error {
	var ce *connect.Error
	if !errors.As(err, &ce) {
		return domain.Wrap(domain.CodeCommandDispatchFailed, "rpc call", err)
	}
	if code := ce.Meta().Get(ErrorCodeHeader); code != "" {
		return domain.New(domain.Code(code), strings.TrimPrefix(ce.Message(), code+": "))
	}
	return domain.Wrap(domain.CodeCommandDispatchFailed, "rpc call", err)
}
