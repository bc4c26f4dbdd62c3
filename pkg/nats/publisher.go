package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EnsureStream creates or updates the JetStream stream holding all events.
func EnsureStream(ctx context.Context, js jetstream.JetStream, opts ...Option) (jetstream.Stream, error) {
	o := newOptions(opts)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       o.stream,
		Subjects:   []string{EventSubjectRoot + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     o.maxAge,
		Duplicates: o.duplicates,
		Replicas:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", o.stream, err)
	}
	return stream, nil
}

// Publisher publishes persisted events to JetStream. The event id is the
// message id, so a retried publish inside the duplicate window is dropped
// by the server.
type Publisher struct {
	js jetstream.JetStream
}

var _ eventsourcing.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher on nc and makes sure the stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn, opts ...Option) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := EnsureStream(ctx, js, opts...); err != nil {
		return nil, err
	}
	return &Publisher{js: js}, nil
}

// Publish implements eventsourcing.EventPublisher. Events are published in
// order and the first failure stops the batch.
func (p *Publisher) Publish(ctx context.Context, events []*domain.Event) error {
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return domain.Wrap(domain.CodeEventsNotPublished, fmt.Sprintf("encode event %s", event.ID), err)
		}

		msg := nats.NewMsg(EventSubject(event.AggregateID.Type, event.Type))
		msg.Data = data
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

		if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID)); err != nil {
			return domain.Wrap(domain.CodeEventsNotPublished, fmt.Sprintf("publish event %s", event.Subject()), err)
		}
	}
	return nil
}
