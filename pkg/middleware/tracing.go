package middleware

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTracerName is used when OpenTelemetryMiddleware gets an empty name.
const DefaultTracerName = "github.com/plaenen/eventcore"

// OpenTelemetryMiddleware adds OpenTelemetry distributed tracing to command
// execution, using the global tracer provider.
func OpenTelemetryMiddleware(tracerName string) eventsourcing.CommandMiddleware {
	if tracerName == "" {
		tracerName = DefaultTracerName
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			spanCtx, span := tracer.Start(ctx, "command."+cmd.AggregateID.Type+"."+cmd.Operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.id", cmd.ID),
					attribute.String("command.operation", cmd.Operation),
					attribute.String("aggregate.type", cmd.AggregateID.Type),
					attribute.String("aggregate.id", cmd.AggregateID.ID),
					attribute.String("command.principal_id", cmd.Metadata.PrincipalID),
					attribute.String("command.correlation_id", cmd.Metadata.CorrelationID),
				),
			)
			defer span.End()

			events, err := next.Handle(spanCtx, cmd)
			if err != nil {
				span.RecordError(err)
				if code := domain.CodeOf(err); code != "" {
					span.SetAttributes(attribute.String("error.code", string(code)))
				}
				span.SetStatus(codes.Error, err.Error())
				return events, err
			}

			span.SetAttributes(attribute.Int("events.count", len(events)))
			if len(events) > 0 {
				eventTypes := make([]string, len(events))
				for i, evt := range events {
					eventTypes[i] = evt.Type
				}
				span.SetAttributes(
					attribute.StringSlice("events.types", eventTypes),
					attribute.Int64("aggregate.version", events[len(events)-1].Version),
				)
			}

			span.SetStatus(codes.Ok, "command executed successfully")
			return events, nil
		})
	}
}
