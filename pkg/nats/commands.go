package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// CommandExecutor runs a command and returns the events it persisted.
// eventsourcing.CommandBus implements it.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)
}

// ErrorBody is the wire form of a failed command.
type ErrorBody struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

// CommandReply is the reply to a command request.
type CommandReply struct {
	Events []*domain.Event `json:"events,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

func errorBody(err error) *ErrorBody {
	var de *domain.Error
	if errors.As(err, &de) {
		msg := de.Message
		if de.Cause != nil {
			msg = fmt.Sprintf("%s: %v", msg, de.Cause)
		}
		return &ErrorBody{Code: de.Code, Message: msg}
	}
	return &ErrorBody{Code: domain.CodeEventDeciderError, Message: err.Error()}
}

// Err turns the body back into a coded error.
func (b *ErrorBody) Err() error {
	return domain.New(b.Code, b.Message)
}

// CommandClient sends commands to a CommandServer over request/reply. It
// implements store.CommandDispatcher so reactor policies can target
// aggregates hosted by another process.
type CommandClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

var _ store.CommandDispatcher = (*CommandClient)(nil)

// NewCommandClient creates a client on nc.
func NewCommandClient(nc *nats.Conn, opts ...Option) *CommandClient {
	o := newOptions(opts)
	return &CommandClient{nc: nc, timeout: o.timeout}
}

// Dispatch implements store.CommandDispatcher.
func (c *CommandClient) Dispatch(ctx context.Context, cmd domain.Command) error {
	_, err := c.Execute(ctx, cmd)
	return err
}

// Execute sends cmd and waits for the persisted events. Remote failures
// come back with their original code; transport failures are
// COMMAND_DISPATCH_FAILED.
func (c *CommandClient) Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidPayload, "encode command", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg := nats.NewMsg(CommandSubject(cmd.AggregateID.Type, cmd.Operation))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCommandDispatchFailed, fmt.Sprintf("request %s on %s", cmd.Operation, cmd.AggregateID), err)
	}

	var reply CommandReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, domain.Wrap(domain.CodeCommandDispatchFailed, "decode command reply", err)
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return reply.Events, nil
}

// CommandServer answers command requests for every aggregate type with an
// executor. Instances share a queue group, so each command is handled once.
type CommandServer struct {
	nc       *nats.Conn
	executor CommandExecutor
	opts     options

	mu     sync.Mutex
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCommandServer creates a server running commands on executor.
func NewCommandServer(nc *nats.Conn, executor CommandExecutor, opts ...Option) *CommandServer {
	return &CommandServer{nc: nc, executor: executor, opts: newOptions(opts)}
}

// Name implements runner.Service.
func (s *CommandServer) Name() string {
	return "nats-command-server"
}

// Start subscribes to all command subjects.
func (s *CommandServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("nats: command server already started")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	sub, err := s.nc.QueueSubscribe(CommandSubjectRoot+".>", s.opts.queue, s.handle)
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		s.cancel()
		return fmt.Errorf("flush command subscription: %w", err)
	}
	s.sub = sub
	s.opts.logger.Info("nats command server started", "queue", s.opts.queue)
	return nil
}

// Stop drains the subscription so commands in flight still get a reply.
func (s *CommandServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	defer cancel()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain command subscription: %w", err)
	}
	for sub.IsValid() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (s *CommandServer) handle(msg *nats.Msg) {
	var reply CommandReply

	var cmd domain.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		reply.Error = errorBody(domain.Wrap(domain.CodeInvalidPayload, "decode command", err))
	} else {
		ctx := otel.GetTextMapPropagator().Extract(s.ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
		events, err := s.executor.Execute(ctx, cmd)
		if err != nil {
			reply.Error = errorBody(err)
		} else {
			reply.Events = events
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(CommandReply{Error: errorBody(err)})
	}
	if err := msg.Respond(data); err != nil {
		s.opts.logger.Warn("command reply failed", "subject", msg.Subject, "error", err)
	}
}
