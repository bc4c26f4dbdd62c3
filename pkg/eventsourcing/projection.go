package eventsourcing

import (
	"github.com/plaenen/eventcore/pkg/domain"
)

// Reactor turns the events of one aggregate type into follow-up commands
// and view changes. React must be pure; the EventBus performs the I/O.
//
// React returns an error with code EVENT_TYPE_NOT_FOUND for event types the
// reactor was never built to see. Event types it knows but does not react
// to yield an empty Reaction.
type Reactor interface {
	AggregateType() string
	React(event *domain.Event) (Reaction, error)
}

// Reaction is what a reactor wants done for one event. The command, if
// any, is dispatched before the view actions run.
type Reaction struct {
	Command *domain.Command
	Views   []ViewAction
}

// IsEmpty reports whether the reaction does nothing.
func (r Reaction) IsEmpty() bool {
	return r.Command == nil && len(r.Views) == 0
}

// ViewAction is one of InitView, ApplyView or DeleteView.
type ViewAction interface {
	Target() (viewType, id string)
	viewAction()
}

// InitView creates a view. It fails with VIEW_ALREADY_EXISTS if the id is taken.
type InitView struct {
	ViewType string
	View     domain.View
}

// ApplyView loads a view, passes a copy to Mutate and saves the result.
// It fails with VIEW_NOT_FOUND if the view does not exist.
type ApplyView struct {
	ViewType string
	ID       string
	Mutate   func(view domain.View) (domain.View, error)
}

// DeleteView removes a view.
type DeleteView struct {
	ViewType string
	ID       string
}

func (a InitView) Target() (string, string)   { return a.ViewType, a.View.ID() }
func (a ApplyView) Target() (string, string)  { return a.ViewType, a.ID }
func (a DeleteView) Target() (string, string) { return a.ViewType, a.ID }

func (InitView) viewAction()   {}
func (ApplyView) viewAction()  {}
func (DeleteView) viewAction() {}

// UnknownEventType returns the error reactors use for undeclared event types.
func UnknownEventType(aggregateType string, event *domain.Event) error {
	return domain.Newf(domain.CodeEventTypeNotFound, "reactor for %s does not know event type %q", aggregateType, event.Type)
}
