package middleware

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// Validator defines the interface for validating commands.
type Validator interface {
	// Validate validates a command and returns an error if invalid.
	Validate(cmd domain.Command) error
}

// ValidationMiddleware validates commands before they are handled. Errors
// without a code are reported as VALIDATION_FAILED.
func ValidationMiddleware(validator Validator) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			if err := validator.Validate(cmd); err != nil {
				if domain.CodeOf(err) != "" {
					return nil, err
				}
				return nil, domain.Wrap(domain.CodeValidationFailed, "command validation failed", err)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// PayloadValidator decodes command payloads into registered prototypes and
// checks them with govalidator struct tags:
//
//	type deposit struct {
//		Amount string `json:"amount" valid:"required,float"`
//	}
//	v := middleware.NewPayloadValidator()
//	v.Register("account", "deposit", deposit{})
//
// Payloads that implement Validate() error are checked with it as well.
// Operations without a prototype pass.
type PayloadValidator struct {
	mu         sync.RWMutex
	prototypes map[string]reflect.Type
}

var _ Validator = (*PayloadValidator)(nil)

// NewPayloadValidator creates an empty validator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{prototypes: make(map[string]reflect.Type)}
}

// Register sets the payload prototype of an operation. prototype must be a
// struct or a pointer to one.
func (v *PayloadValidator) Register(aggregateType, operation string, prototype any) {
	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("middleware: payload prototype for %s.%s must be a struct, got %s", aggregateType, operation, t))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.prototypes[aggregateType+"."+operation] = t
}

// Validate implements Validator.
func (v *PayloadValidator) Validate(cmd domain.Command) error {
	v.mu.RLock()
	t, ok := v.prototypes[CommandKey(cmd)]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	payload := reflect.New(t).Interface()
	if err := cmd.Decode(payload); err != nil {
		return domain.Wrap(domain.CodeInvalidPayload, fmt.Sprintf("decode %s payload", CommandKey(cmd)), err)
	}

	if _, err := govalidator.ValidateStruct(payload); err != nil {
		return domain.Newf(domain.CodeValidationFailed, "invalid %s payload: %s", CommandKey(cmd), describe(err))
	}

	if self, ok := payload.(interface{ Validate() error }); ok {
		if err := self.Validate(); err != nil {
			return domain.Wrap(domain.CodeValidationFailed, fmt.Sprintf("invalid %s payload", CommandKey(cmd)), err)
		}
	}
	return nil
}

// describe renders govalidator errors as "field: reason" pairs in a stable order.
func describe(err error) string {
	byField := govalidator.ErrorsByField(err)
	if len(byField) == 0 {
		return err.Error()
	}
	fields := make([]string, 0, len(byField))
	for field := range byField {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = field + ": " + byField[field]
	}
	return strings.Join(parts, "; ")
}
