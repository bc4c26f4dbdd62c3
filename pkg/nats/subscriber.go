package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/plaenen/eventcore/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

// EventReceiver handles one delivered event. eventsourcing.EventBus
// implements it.
type EventReceiver interface {
	Receive(ctx context.Context, event *domain.Event) error
}

// Subscriber feeds events from JetStream to an EventReceiver. It runs one
// durable consumer per aggregate type with a single message in flight, so
// events of one aggregate type arrive in publish order.
type Subscriber struct {
	js       jetstream.JetStream
	receiver EventReceiver
	types    []string
	opts     options

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSubscriber creates a subscriber for the given aggregate types.
func NewSubscriber(nc *nats.Conn, receiver EventReceiver, aggregateTypes []string, opts ...Option) (*Subscriber, error) {
	if len(aggregateTypes) == 0 {
		return nil, errors.New("nats: subscriber needs at least one aggregate type")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Subscriber{
		js:       js,
		receiver: receiver,
		types:    aggregateTypes,
		opts:     newOptions(opts),
	}, nil
}

// Name implements runner.Service.
func (s *Subscriber) Name() string {
	return "nats-subscriber"
}

// Start creates the consumers and starts one fetch loop per consumer.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return errors.New("nats: subscriber already started")
	}

	stream, err := EnsureStream(ctx, s.js, WithStream(s.opts.stream), WithMaxAge(s.opts.maxAge), WithDuplicateWindow(s.opts.duplicates))
	if err != nil {
		return err
	}

	consumers := make([]jetstream.Consumer, 0, len(s.types))
	for _, aggregateType := range s.types {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       s.opts.name + "_" + token(aggregateType),
			FilterSubject: EventSubjectRoot + "." + token(aggregateType) + ".>",
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxAckPending: 1,
			MaxDeliver:    s.opts.maxDeliver,
			AckWait:       30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("create consumer for %s: %w", aggregateType, err)
		}
		consumers = append(consumers, cons)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	for i, cons := range consumers {
		aggregateType := s.types[i]
		g.Go(func() error {
			return s.consume(gctx, aggregateType, cons)
		})
	}
	s.cancel = cancel
	s.group = g

	s.opts.logger.Info("nats subscriber started", "stream", s.opts.stream, "aggregate_types", s.types)
	return nil
}

// Stop cancels the fetch loops and waits for the message in flight.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if g == nil {
		return nil
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) consume(ctx context.Context, aggregateType string, cons jetstream.Consumer) error {
	logger := s.opts.logger.With(slog.String("aggregate_type", aggregateType))
	for ctx.Err() == nil {
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(s.opts.fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("fetch failed", "error", err)
			sleep(ctx, s.opts.retryDelay)
			continue
		}
		for msg := range batch.Messages() {
			s.handle(ctx, logger, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			logger.Debug("fetch ended", "error", err)
		}
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, logger *slog.Logger, msg jetstream.Msg) {
	var event domain.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		logger.Error("dropping undecodable event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Headers())))
	err := s.receiver.Receive(ctx, &event)
	if err == nil {
		if err := msg.Ack(); err != nil {
			logger.Warn("ack failed", "event_id", event.ID, "error", err)
		}
		return
	}

	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("aggregate_id", event.AggregateID.String()),
		slog.String("error_code", string(domain.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	if redeliverable(err) {
		logger.Warn("event handling failed, redelivering", attrs...)
		_ = msg.NakWithDelay(s.opts.retryDelay)
		return
	}
	logger.Error("event handling failed, dropping", attrs...)
	_ = msg.Term()
}

// redeliverable reports whether a later delivery of the same event may
// succeed. Infrastructure failures are retried; errors in the event or in
// the projection logic are not.
func redeliverable(err error) bool {
	switch domain.CodeOf(err) {
	case "",
		domain.CodeConcurrencyConflict,
		domain.CodeCommandDispatchFailed,
		domain.CodeReadDatabaseError,
		domain.CodeGetViewFailed,
		domain.CodeSaveViewFailed,
		domain.CodeDeleteViewFailed:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
