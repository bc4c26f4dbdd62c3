package eventsourcing

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/plaenen/eventcore/pkg/domain"
)

// Aggregate defines one aggregate type by pure functions over its state S.
// None of the functions may perform I/O or mutate their arguments.
//
// Deciders and reducers are normally written as a switch over
// cmd.Operation / event.Type:
//
//	func reduce(s Counter, e *domain.Event) (Counter, error) {
//	    switch e.Type {
//	    case "incremented":
//	        ...
//	        return s, nil
//	    default:
//	        return s, domain.ErrUnknownEventType
//	    }
//	}
//
// Snapshots store S as JSON. When snapshots are enabled every field of S
// that carries state must survive encoding/json: exported, or behind a
// type with its own JSON or text marshaling. NewCommandProcessor rejects
// state types with unexported struct fields in that case.
type Aggregate[S any] struct {
	// Type is the aggregate type name; commands are routed by it.
	Type string

	// Init returns the state of an aggregate that has no events yet.
	Init func(id domain.AggregateID) S

	// Decide returns the events a command results in, or a business error.
	// Events are built with domain.NewEvent; versions are assigned later.
	Decide func(state domain.State[S], cmd domain.Command) ([]*domain.Event, error)

	// Reduce folds one event into the state. For event types it does not
	// know it returns domain.ErrUnknownEventType, which leaves the state
	// unchanged.
	Reduce func(state S, event *domain.Event) (S, error)
}

func (a Aggregate[S]) validate() error {
	switch {
	case a.Type == "":
		return errors.New("eventsourcing: aggregate type is required")
	case a.Init == nil, a.Decide == nil, a.Reduce == nil:
		return fmt.Errorf("eventsourcing: aggregate %s needs Init, Decide and Reduce", a.Type)
	}
	return nil
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// checkSnapshotState returns an error naming the first unexported struct
// field of S that a JSON snapshot would drop.
func (a Aggregate[S]) checkSnapshotState() error {
	if path := unexportedField(reflect.TypeFor[S](), a.Type, map[reflect.Type]bool{}); path != "" {
		return fmt.Errorf("eventsourcing: state of %s cannot be snapshotted: unexported field %s is lost in JSON", a.Type, path)
	}
	return nil
}

func unexportedField(t reflect.Type, path string, seen map[reflect.Type]bool) string {
	if seen[t] {
		return ""
	}
	seen[t] = true

	if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) ||
		reflect.PointerTo(t).Implements(jsonMarshalerType) || reflect.PointerTo(t).Implements(textMarshalerType) {
		return ""
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
		return unexportedField(t.Elem(), path, seen)
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Tag.Get("json") == "-" {
				continue
			}
			name := path + "." + f.Name
			if !f.IsExported() && !f.Anonymous {
				return name
			}
			if p := unexportedField(f.Type, name, seen); p != "" {
				return p
			}
		}
	}
	return ""
}
