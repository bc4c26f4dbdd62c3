package eventsourcing

import (
	"errors"
	"fmt"

	"github.com/plaenen/eventcore/pkg/domain"
)

// PolicyFunc maps an event to a follow-up command, or nil for none.
type PolicyFunc func(event *domain.Event) (*domain.Command, error)

// InitFunc builds the fields of a new view. Type and id are set by the reactor.
type InitFunc func(event *domain.Event) (domain.View, error)

// ApplyFunc returns the view after the event. It receives a copy it may modify.
type ApplyFunc func(view domain.View, event *domain.Event) (domain.View, error)

// ViewIDFunc derives a view id from an event.
type ViewIDFunc func(event *domain.Event) string

// ByAggregateID is the default ViewIDFunc: the aggregate instance id.
func ByAggregateID(event *domain.Event) string {
	return event.AggregateID.ID
}

type projectionKind int

const (
	projectInit projectionKind = iota
	projectApply
	projectDelete
)

type projection struct {
	kind     projectionKind
	viewType string
	viewID   ViewIDFunc
	init     InitFunc
	apply    ApplyFunc
}

// ProjectionOption configures one projection of a ReactorBuilder.
type ProjectionOption func(*projection)

// WithViewID sets how the view id is derived from the event.
func WithViewID(fn ViewIDFunc) ProjectionOption {
	return func(p *projection) {
		if fn != nil {
			p.viewID = fn
		}
	}
}

// ReactorBuilder provides a fluent API for building a Reactor from per
// event type policies and projections.
//
// Example:
//
//	reactor, err := eventsourcing.NewReactor("counter").
//	    Declare("renamed").
//	    Init("created", "counters", newCounterView).
//	    Apply("incremented", "counters", incrementCounterView).
//	    Delete("deleted", "counters").
//	    Build()
type ReactorBuilder struct {
	aggregateType string
	declared      map[string]bool
	policies      map[string]PolicyFunc
	projections   map[string][]projection
	errs          []error
}

// NewReactor starts a reactor for an aggregate type.
func NewReactor(aggregateType string) *ReactorBuilder {
	return &ReactorBuilder{
		aggregateType: aggregateType,
		declared:      make(map[string]bool),
		policies:      make(map[string]PolicyFunc),
		projections:   make(map[string][]projection),
	}
}

// Declare marks event types the reactor knows but does not react to.
func (b *ReactorBuilder) Declare(eventTypes ...string) *ReactorBuilder {
	for _, t := range eventTypes {
		b.declared[t] = true
	}
	return b
}

// Policy registers the policy for an event type.
func (b *ReactorBuilder) Policy(eventType string, fn PolicyFunc) *ReactorBuilder {
	if _, exists := b.policies[eventType]; exists {
		b.errs = append(b.errs, fmt.Errorf("policy already registered for %s.%s", b.aggregateType, eventType))
		return b
	}
	b.declared[eventType] = true
	b.policies[eventType] = fn
	return b
}

// Init registers a projection that creates a view of viewType.
func (b *ReactorBuilder) Init(eventType, viewType string, fn InitFunc, opts ...ProjectionOption) *ReactorBuilder {
	return b.add(eventType, projection{kind: projectInit, viewType: viewType, init: fn}, opts)
}

// Apply registers a projection that mutates an existing view of viewType.
func (b *ReactorBuilder) Apply(eventType, viewType string, fn ApplyFunc, opts ...ProjectionOption) *ReactorBuilder {
	return b.add(eventType, projection{kind: projectApply, viewType: viewType, apply: fn}, opts)
}

// Delete registers a projection that removes a view of viewType.
func (b *ReactorBuilder) Delete(eventType, viewType string, opts ...ProjectionOption) *ReactorBuilder {
	return b.add(eventType, projection{kind: projectDelete, viewType: viewType}, opts)
}

func (b *ReactorBuilder) add(eventType string, p projection, opts []ProjectionOption) *ReactorBuilder {
	p.viewID = ByAggregateID
	for _, opt := range opts {
		opt(&p)
	}

	for _, existing := range b.projections[eventType] {
		if existing.viewType == p.viewType {
			b.errs = append(b.errs, fmt.Errorf("projection of %s.%s onto %s registered twice", b.aggregateType, eventType, p.viewType))
			return b
		}
	}
	if (p.kind == projectInit && p.init == nil) || (p.kind == projectApply && p.apply == nil) {
		b.errs = append(b.errs, fmt.Errorf("projection of %s.%s onto %s has no function", b.aggregateType, eventType, p.viewType))
		return b
	}

	b.declared[eventType] = true
	b.projections[eventType] = append(b.projections[eventType], p)
	return b
}

// Build returns the reactor, or the configuration errors collected so far.
func (b *ReactorBuilder) Build() (Reactor, error) {
	if b.aggregateType == "" {
		b.errs = append(b.errs, errors.New("reactor aggregate type is required"))
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("eventsourcing: invalid reactor: %w", errors.Join(b.errs...))
	}

	r := &builtReactor{
		aggregateType: b.aggregateType,
		declared:      make(map[string]bool, len(b.declared)),
		policies:      make(map[string]PolicyFunc, len(b.policies)),
		projections:   make(map[string][]projection, len(b.projections)),
	}
	for k, v := range b.declared {
		r.declared[k] = v
	}
	for k, v := range b.policies {
		r.policies[k] = v
	}
	for k, v := range b.projections {
		r.projections[k] = append([]projection(nil), v...)
	}
	return r, nil
}

// MustBuild is like Build but panics on error.
func (b *ReactorBuilder) MustBuild() Reactor {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

type builtReactor struct {
	aggregateType string
	declared      map[string]bool
	policies      map[string]PolicyFunc
	projections   map[string][]projection
}

func (r *builtReactor) AggregateType() string {
	return r.aggregateType
}

func (r *builtReactor) React(event *domain.Event) (Reaction, error) {
	if !r.declared[event.Type] {
		return Reaction{}, UnknownEventType(r.aggregateType, event)
	}

	var reaction Reaction
	if policy, ok := r.policies[event.Type]; ok {
		cmd, err := policy(event)
		if err != nil {
			return Reaction{}, err
		}
		reaction.Command = cmd
	}

	for _, p := range r.projections[event.Type] {
		id := p.viewID(event)
		switch p.kind {
		case projectInit:
			view, err := p.init(event)
			if err != nil {
				return Reaction{}, err
			}
			if view == nil {
				view = domain.View{}
			}
			view[domain.ViewKeyType] = p.viewType
			view[domain.ViewKeyID] = id
			reaction.Views = append(reaction.Views, InitView{ViewType: p.viewType, View: view})
		case projectApply:
			apply := p.apply
			reaction.Views = append(reaction.Views, ApplyView{
				ViewType: p.viewType,
				ID:       id,
				Mutate: func(view domain.View) (domain.View, error) {
					return apply(view, event)
				},
			})
		case projectDelete:
			reaction.Views = append(reaction.Views, DeleteView{ViewType: p.viewType, ID: id})
		}
	}
	return reaction, nil
}
