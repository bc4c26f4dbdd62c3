// Package nats carries events and commands over NATS: a JetStream event
// publisher and subscriber, and request/reply command dispatch.
package nats

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Option configures the NATS components.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	name       string
	stream     string
	maxAge     time.Duration
	duplicates time.Duration
	timeout    time.Duration
	queue      string
	maxDeliver int
	retryDelay time.Duration
	fetchWait  time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		name:       "eventcore",
		stream:     "EVENTS",
		maxAge:     7 * 24 * time.Hour,
		duplicates: 2 * time.Minute,
		timeout:    5 * time.Second,
		queue:      "eventcore",
		maxDeliver: 5,
		retryDelay: time.Second,
		fetchWait:  time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName sets the client name and the durable consumer prefix.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithStream sets the JetStream stream name (default EVENTS).
func WithStream(name string) Option {
	return func(o *options) { o.stream = name }
}

// WithMaxAge sets how long the stream retains events.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithDuplicateWindow sets the window in which a repeated event id is
// dropped by the stream.
func WithDuplicateWindow(d time.Duration) Option {
	return func(o *options) { o.duplicates = d }
}

// WithTimeout sets the request timeout used when the context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithQueueGroup sets the queue group of the command server.
func WithQueueGroup(queue string) Option {
	return func(o *options) { o.queue = queue }
}

// WithMaxDeliver bounds redeliveries of an event that keeps failing.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithRetryDelay sets the delay before a failed event is redelivered.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// Subject roots. Events go to events.<aggregate type>.<event type> and
// commands to commands.<aggregate type>.<operation>.
const (
	EventSubjectRoot   = "events"
	CommandSubjectRoot = "commands"
)

// Connect dials url with reconnect handling that logs to logger.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// token makes s usable as a single subject token.
func token(s string) string {
	return tokenReplacer.Replace(s)
}

// EventSubject returns the subject an event is published on.
func EventSubject(aggregateType, eventType string) string {
	return EventSubjectRoot + "." + token(aggregateType) + "." + token(eventType)
}

// CommandSubject returns the subject a command is requested on.
func CommandSubject(aggregateType, operation string) string {
	return CommandSubjectRoot + "." + token(aggregateType) + "." + token(operation)
}
