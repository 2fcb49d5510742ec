package sheriff

import "github.com/ashuang/procman/internal/model"

// EventKind tags the variant of a listener Event.
type EventKind string

const (
	EventDeputyInfoReceived     EventKind = "DeputyInfoReceived"
	EventCommandAdded           EventKind = "CommandAdded"
	EventCommandRemoved         EventKind = "CommandRemoved"
	EventCommandStatusChanged   EventKind = "CommandStatusChanged"
	EventCommandGroupChanged    EventKind = "CommandGroupChanged"
	EventSheriffConflictDetected EventKind = "SheriffConflictDetected"
	EventObserverStatusChanged  EventKind = "ObserverStatusChanged"
)

// Event is one notification queued for listener dispatch. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	DeputyID  model.DeputyID
	CommandID model.CommandID

	OldStatus model.Status
	NewStatus model.Status

	OtherSheriffID model.SheriffID
	IsObserver     bool
}

// Listener receives Sheriff notifications. All methods are invoked by
// the Sheriff's worker goroutine outside the Sheriff lock (spec.md §4.2,
// §5): implementations may safely call back into any public Sheriff
// method, but must not block for long or they will stall the event
// queue for every other listener.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }
