package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/idempotency"
	"github.com/plaenen/eventcore/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func command(t *testing.T, operation string, payload any) domain.Command {
	t.Helper()
	cmd, err := domain.NewCommand(operation, domain.NewAggregateID("account"), payload)
	require.NoError(t, err)
	return cmd
}

// handler returns one event per call, or the errors in order.
type handler struct {
	calls atomic.Int32
	errs  []error
}

func (h *handler) Handle(_ context.Context, cmd domain.Command) ([]*domain.Event, error) {
	n := int(h.calls.Add(1))
	if n <= len(h.errs) && h.errs[n-1] != nil {
		return nil, h.errs[n-1]
	}
	return []*domain.Event{{ID: "e1", AggregateID: cmd.AggregateID, Type: "deposited", Version: 1}}, nil
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := eventsourcing.Chain(&handler{}, middleware.LoggingMiddleware(logger))
	_, err := h.Handle(context.Background(), command(t, "deposit", nil))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"Command executed successfully"`)
	assert.Contains(t, buf.String(), `"events_count":1`)

	buf.Reset()
	h = eventsourcing.Chain(&handler{errs: []error{domain.ErrConcurrencyConflict}}, middleware.LoggingMiddleware(logger))
	_, err = h.Handle(context.Background(), command(t, "deposit", nil))
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"error_code":"CONCURRENCY_CONFLICT"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := eventsourcing.CommandHandlerFunc(func(context.Context, domain.Command) ([]*domain.Event, error) {
		panic("boom")
	})
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	events, err := middleware.RecoveryMiddleware(logger)(panicking).Handle(context.Background(), command(t, "deposit", nil))
	assert.Nil(t, events)
	assert.Equal(t, domain.CodeEventDeciderError, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestOpenTelemetryMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mw := middleware.OpenTelemetryMiddlewareWithTracer(tp.Tracer("test"))

	_, err := mw(&handler{}).Handle(context.Background(), command(t, "deposit", nil))
	require.NoError(t, err)
	_, err = mw(&handler{errs: []error{domain.ErrUnknownOperation}}).Handle(context.Background(), command(t, "close", nil))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "command.account.deposit", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	var code string
	for _, attr := range spans[1].Attributes() {
		if attr.Key == "error.code" {
			code = attr.Value.AsString()
		}
	}
	assert.Equal(t, "UNKNOWN_OPERATION", code)
}

func TestAuthorizationMiddleware(t *testing.T) {
	roles := map[string][]string{"alice": {"teller"}, "bob": {"customer"}}
	authz := middleware.NewRoleBasedAuthorizer(
		map[string][]string{"account.withdraw": {"teller", "admin"}},
		func(_ context.Context, principal string) ([]string, error) { return roles[principal], nil },
	)
	mw := middleware.AuthorizationMiddleware(authz)

	withdraw := func(principal string) error {
		cmd := command(t, "withdraw", nil)
		cmd.Metadata.PrincipalID = principal
		_, err := mw(&handler{}).Handle(context.Background(), cmd)
		return err
	}

	assert.NoError(t, withdraw("alice"))
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(withdraw("bob")))
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(withdraw("")))

	// Operations without required roles are open.
	_, err := mw(&handler{}).Handle(context.Background(), command(t, "deposit", nil))
	assert.NoError(t, err)

	// Plain errors from custom authorizers are coded.
	deny := middleware.AuthorizationMiddleware(middleware.AuthorizerFunc(func(context.Context, string, domain.Command) error {
		return errors.New("nope")
	}))
	_, err = deny(&handler{}).Handle(context.Background(), command(t, "deposit", nil))
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
}

type depositPayload struct {
	Amount   string `json:"amount" valid:"required,float"`
	Currency string `json:"currency" valid:"required,length(3|3)"`
}

type transferPayload struct {
	From string `json:"from" valid:"required"`
	To   string `json:"to" valid:"required"`
}

func (p transferPayload) Validate() error {
	if p.From == p.To {
		return errors.New("cannot transfer to the same account")
	}
	return nil
}

func TestPayloadValidator(t *testing.T) {
	v := middleware.NewPayloadValidator()
	v.Register("account", "deposit", depositPayload{})
	v.Register("account", "transfer", &transferPayload{})
	h := &handler{}
	mw := middleware.ValidationMiddleware(v)(h)
	ctx := context.Background()

	_, err := mw.Handle(ctx, command(t, "deposit", map[string]any{"amount": "10.50", "currency": "EUR"}))
	assert.NoError(t, err)

	_, err = mw.Handle(ctx, command(t, "deposit", map[string]any{"amount": "ten", "currency": "EURO"}))
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidationFailed, domain.CodeOf(err))
	assert.Contains(t, strings.ToLower(err.Error()), "amount")
	assert.Contains(t, strings.ToLower(err.Error()), "currency")

	_, err = mw.Handle(ctx, command(t, "deposit", []int{1}))
	assert.Equal(t, domain.CodeInvalidPayload, domain.CodeOf(err))

	_, err = mw.Handle(ctx, command(t, "transfer", map[string]any{"from": "a", "to": "a"}))
	assert.Equal(t, domain.CodeValidationFailed, domain.CodeOf(err))

	// Unregistered operations pass.
	_, err = mw.Handle(ctx, command(t, "close", nil))
	assert.NoError(t, err)

	assert.Equal(t, int32(2), h.calls.Load())
}

func TestIdempotencyMiddleware(t *testing.T) {
	store := idempotency.NewMemoryStore()
	h := &handler{errs: []error{errors.New("transient")}}
	mw := middleware.IdempotencyMiddleware(store, time.Hour, nil)(h)
	ctx := context.Background()

	cmd := command(t, "deposit", nil)
	cmd.ID = "cmd-1"

	// A failure releases the key.
	_, err := mw.Handle(ctx, cmd)
	require.Error(t, err)

	_, err = mw.Handle(ctx, cmd)
	require.NoError(t, err)

	_, err = mw.Handle(ctx, cmd)
	assert.Equal(t, domain.CodeCommandAlreadyProcessed, domain.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrCommandAlreadyProcessed)
	assert.Equal(t, int32(2), h.calls.Load())

	// Commands without an id are never deduplicated.
	anon := command(t, "deposit", nil)
	_, err = mw.Handle(ctx, anon)
	require.NoError(t, err)
	_, err = mw.Handle(ctx, anon)
	require.NoError(t, err)
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	cfg := middleware.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}

	h := &handler{errs: []error{domain.ErrConcurrencyConflict, domain.ErrConcurrencyConflict}}
	events, err := middleware.RetryOnConflict(cfg)(h).Handle(ctx, command(t, "deposit", nil))
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int32(3), h.calls.Load())

	h = &handler{errs: []error{domain.ErrConcurrencyConflict, domain.ErrConcurrencyConflict, domain.ErrConcurrencyConflict}}
	_, err = middleware.RetryOnConflict(cfg)(h).Handle(ctx, command(t, "deposit", nil))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, int32(3), h.calls.Load())

	// Other errors are not retried.
	h = &handler{errs: []error{domain.ErrUnknownOperation}}
	_, err = middleware.RetryOnConflict(cfg)(h).Handle(ctx, command(t, "deposit", nil))
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
	assert.Equal(t, int32(1), h.calls.Load())
}
