package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a server mounted with Mount. It implements
// store.CommandDispatcher, so a remote process can be the target of
// reactor policies or domain services.
type Client struct {
	execute   *connect.Client[structpb.Struct, structpb.Struct]
	query     *connect.Client[structpb.Struct, structpb.Struct]
	principal string
}

var _ store.CommandDispatcher = (*Client)(nil)

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	o := newOptions(opts)
	baseURL = strings.TrimRight(baseURL, "/")
	clientOpts := connect.WithInterceptors(append([]connect.Interceptor{propagationInterceptor()}, o.interceptors...)...)
	return &Client{
		execute:   connect.NewClient[structpb.Struct, structpb.Struct](o.httpClient, baseURL+CommandProcedure, clientOpts),
		query:     connect.NewClient[structpb.Struct, structpb.Struct](o.httpClient, baseURL+QueryProcedure, clientOpts),
		principal: o.principal,
	}
}

// Execute runs cmd remotely and returns the persisted events. Handler
// errors come back with their domain code.
func (c *Client) Execute(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
	msg, err := toStruct(cmd)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidPayload, "encode command", err)
	}
	req := connect.NewRequest(msg)
	if c.principal != "" {
		req.Header().Set(PrincipalHeader, c.principal)
	}

	res, err := c.execute.CallUnary(ctx, req)
	if err != nil {
		return nil, fromConnectError(err)
	}

	var reply struct {
		Events []*domain.Event `json:"events"`
	}
	if err := fromStruct(res.Msg, &reply); err != nil {
		return nil, domain.Wrap(domain.CodeCommandDispatchFailed, "decode command reply", err)
	}
	return reply.Events, nil
}

// Dispatch implements store.CommandDispatcher.
func (c *Client) Dispatch(ctx context.Context, cmd domain.Command) error {
	_, err := c.Execute(ctx, cmd)
	return err
}

// Query resolves q remotely. Views come back as plain JSON objects.
func (c *Client) Query(ctx context.Context, q domain.Query) (map[string]any, error) {
	msg, err := toStruct(q)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidQuery, "encode query", err)
	}
	req := connect.NewRequest(msg)
	if c.principal != "" {
		req.Header().Set(PrincipalHeader, c.principal)
	}

	res, err := c.query.CallUnary(ctx, req)
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg.AsMap(), nil
}

// Queries adapts Query to eventsourcing.QueryDispatcher.
func (c *Client) Queries() eventsourcing.QueryDispatcher {
	return eventsourcing.QueryDispatcherFunc(c.Query)
}
