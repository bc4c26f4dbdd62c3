package observability

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")

	AttrOperation = attribute.Key("command.operation")
	AttrCommandID = attribute.Key("command.id")

	AttrEventType  = attribute.Key("event.type")
	AttrEventID    = attribute.Key("event.id")
	AttrEventCount = attribute.Key("event.count")

	AttrViewType    = attribute.Key("view.type")
	AttrSnapshotHit = attribute.Key("snapshot.hit")
	AttrErrorCode   = attribute.Key("error.code")
)

// EndSpan ends a span, recording err and its code when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := domain.CodeOf(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(string(code)))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// CommandAttrs returns the span attributes of a command.
func CommandAttrs(cmd domain.Command) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrAggregateType.String(cmd.AggregateID.Type),
		AttrAggregateID.String(cmd.AggregateID.ID),
		AttrOperation.String(cmd.Operation),
	}
	if cmd.ID != "" {
		attrs = append(attrs, AttrCommandID.String(cmd.ID))
	}
	return attrs
}

// EventAttrs returns the span attributes of an event.
func EventAttrs(event *domain.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateType.String(event.AggregateID.Type),
		AttrAggregateID.String(event.AggregateID.ID),
		AttrEventType.String(event.Type),
		AttrEventID.String(event.ID),
		AttrVersion.Int64(event.Version),
	}
}
