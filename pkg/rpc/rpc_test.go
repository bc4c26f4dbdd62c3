package rpc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/plaenen/eventcore/examples/counter"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/rpc"
	"github.com/plaenen/eventcore/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounterServer(t *testing.T, commands rpc.CommandExecutor) *httptest.Server {
	t.Helper()
	db := memory.NewReadDatabase()
	bus := eventsourcing.NewCommandBus()
	events := eventsourcing.NewEventBus(db, nil)
	queries := eventsourcing.NewQueryBus(db)
	require.NoError(t, counter.Register(bus, memory.NewEventStore(), events, queries, 0))
	if commands == nil {
		commands = rpc.ExecutorFunc(eventsourcing.NewCascade(bus, events).Run)
	}

	mux := http.NewServeMux()
	rpc.Mount(mux, commands, queries)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestExecuteAndQuery(t *testing.T) {
	ctx := context.Background()
	ts := newCounterServer(t, nil)
	client := rpc.NewClient(ts.URL, rpc.WithHTTPClient(ts.Client()))

	id := domain.NewAggregateID(counter.AggregateType)
	for _, op := range []string{counter.OpCreate, counter.OpIncrement} {
		cmd, err := domain.NewCommand(op, id, counter.AmountPayload{Amount: 3})
		require.NoError(t, err)
		events, err := client.Execute(ctx, cmd)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id, events[0].AggregateID)
	}

	res, err := client.Query(ctx, domain.NewQuery("counter", map[string]any{"id": id.ID}))
	require.NoError(t, err)
	view, ok := res["counter"].(map[string]any)
	require.True(t, ok, "counter result is %T", res["counter"])
	assert.Equal(t, float64(3), view["count"])

	res, err = client.Queries().Dispatch(ctx, domain.NewQuery("counterList", nil))
	require.NoError(t, err)
	assert.Len(t, res["counters"], 1)
}

func TestErrorsKeepTheirCode(t *testing.T) {
	ctx := context.Background()
	ts := newCounterServer(t, nil)
	client := rpc.NewClient(ts.URL, rpc.WithHTTPClient(ts.Client()))

	id := domain.NewAggregateID(counter.AggregateType)
	cmd, err := domain.NewCommand(counter.OpIncrement, id, nil)
	require.NoError(t, err)
	_, err = client.Execute(ctx, cmd)
	assert.ErrorIs(t, err, counter.ErrNotCreated)
	assert.NotErrorIs(t, err, counter.ErrBelowZero)
	assert.Contains(t, err.Error(), "counter")

	_, err = client.Query(ctx, domain.NewQuery("counter", map[string]any{"id": id.ID}))
	assert.Equal(t, domain.CodeViewNotFound, domain.CodeOf(err))

	_, err = client.Query(ctx, domain.NewQuery("nope", nil))
	assert.Equal(t, domain.CodeQueryHandlerNotFound, domain.CodeOf(err))
}

func TestConnectCodes(t *testing.T) {
	assert.Equal(t, connect.CodeAborted, rpc.ConnectCode(domain.CodeConcurrencyConflict))
	assert.Equal(t, connect.CodeNotFound, rpc.ConnectCode(domain.CodeViewNotFound))
	assert.Equal(t, connect.CodeInternal, rpc.ConnectCode(domain.CodeReadDatabaseError))
	assert.Equal(t, connect.CodeInternal, rpc.ConnectCode(""))
	assert.Equal(t, connect.CodeFailedPrecondition, rpc.ConnectCode(counter.CodeBelowZero))

	ctx := context.Background()
	ts := newCounterServer(t, nil)
	client := rpc.NewClient(ts.URL, rpc.WithHTTPClient(ts.Client()))
	cmd, err := domain.NewCommand(counter.OpDecrement, domain.NewAggregateID(counter.AggregateType), nil)
	require.NoError(t, err)
	_, err = client.Execute(ctx, cmd)
	require.Error(t, err)
	assert.Equal(t, counter.CodeNotCreated, domain.CodeOf(err))
}

type principalRecorder struct {
	principal string
}

func (p *principalRecorder) Execute(_ context.Context, cmd domain.Command) ([]*domain.Event, error) {
	p.principal = cmd.Metadata.PrincipalID
	return nil, nil
}

func TestPrincipalHeader(t *testing.T) {
	rec := &principalRecorder{}
	ts := newCounterServer(t, rec)
	client := rpc.NewClient(ts.URL, rpc.WithHTTPClient(ts.Client()), rpc.WithPrincipal("user-1"))

	cmd, err := domain.NewCommand(counter.OpCreate, domain.NewAggregateID(counter.AggregateType), nil)
	require.NoError(t, err)
	events, err := client.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "user-1", rec.principal)
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	srv := rpc.NewServer("127.0.0.1:0", mux)
	require.Error(t, srv.HealthCheck(ctx))

	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.HealthCheck(ctx))
	require.Error(t, srv.Start(ctx))

	resp, err := http.Get("http://" + srv.Addr() + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}
