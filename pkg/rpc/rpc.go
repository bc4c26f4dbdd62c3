// Package rpc exposes the command and query buses over Connect. Messages
// are google.protobuf.Struct values holding the JSON form of domain
// commands, queries and results, so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	CommandProcedure = "/eventcore.v1.CommandService/Execute"
	QueryProcedure   = "/eventcore.v1.QueryService/Query"

	// PrincipalHeader fills Command.Metadata.PrincipalID when the command
	// does not carry one.
	PrincipalHeader = "X-Principal-ID"
)

// CommandExecutor runs a command and returns the events it persisted.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)
}

// ExecutorFunc adapts a function such as eventsourcing.Cascade.Run to
// CommandExecutor.
type ExecutorFunc func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error)

// Execute implements CommandExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	return f(ctx, cmd)
}

type options struct {
	logger       *slog.Logger
	interceptors []connect.Interceptor
	httpClient   connect.HTTPClient
	principal    string
}

// Option configures handlers, clients and the server.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithInterceptors adds connect interceptors after the built-in ones.
func WithInterceptors(interceptors ...connect.Interceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, interceptors...) }
}

// WithHTTPClient sets the client used by NewClient.
func WithHTTPClient(c connect.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPrincipal makes a client send id in the principal header.
func WithPrincipal(id string) Option {
	return func(o *options) { o.principal = id }
}

// Mount registers the command and query procedures on mux. A nil commands
// or queries skips that service.
func Mount(mux *http.ServeMux, commands CommandExecutor, queries eventsourcing.QueryDispatcher, opts ...Option) {
	o := newOptions(opts)
	handlerOpts := connect.WithInterceptors(append([]connect.Interceptor{
		propagationInterceptor(),
		LoggingInterceptor(o.logger),
	}, o.interceptors...)...)

	if commands != nil {
		mux.Handle(CommandProcedure, connect.NewUnaryHandler(CommandProcedure, executeHandler(commands), handlerOpts))
	}
	if queries != nil {
		mux.Handle(QueryProcedure, connect.NewUnaryHandler(QueryProcedure, queryHandler(queries), handlerOpts))
	}
}

func executeHandler(commands CommandExecutor) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		var cmd domain.Command
		if err := fromStruct(req.Msg, &cmd); err != nil {
			return nil, toConnectError(domain.Wrap(domain.CodeInvalidPayload, "decode command", err))
		}
		if cmd.Metadata.PrincipalID == "" {
			cmd.Metadata.PrincipalID = req.Header().Get(PrincipalHeader)
		}

		events, err := commands.Execute(ctx, cmd)
		if err != nil {
			return nil, toConnectError(err)
		}
		if events == nil {
			events = []*domain.Event{}
		}
		return structResponse(map[string]any{"events": events})
	}
}

func queryHandler(queries eventsourcing.QueryDispatcher) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		var q domain.Query
		if err := fromStruct(req.Msg, &q); err != nil {
			return nil, toConnectError(domain.Wrap(domain.CodeInvalidQuery, "decode query", err))
		}

		result, err := queries.Dispatch(ctx, q)
		if err != nil {
			return nil, toConnectError(err)
		}
		return structResponse(result)
	}
}

func structResponse(v any) (*connect.Response[structpb.Struct], error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(s), nil
}

// LoggingInterceptor logs every unary call handled by the server.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			attrs := []any{
				"procedure", req.Spec().Procedure,
				"peer", req.Peer().Addr,
				"duration", time.Since(start),
			}
			if err != nil {
				logger.WarnContext(ctx, "rpc failed", append(attrs,
					"code", connect.CodeOf(err).String(),
					"error", err)...)
				return res, err
			}
			logger.DebugContext(ctx, "rpc handled", attrs...)
			return res, nil
		}
	}
}

// propagationInterceptor carries the trace context in request headers.
func propagationInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			carrier := propagation.HeaderCarrier(req.Header())
			if req.Spec().IsClient {
				otel.GetTextMapPropagator().Inject(ctx, carrier)
			} else {
				ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
			}
			return next(ctx, req)
		}
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
