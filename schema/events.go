package schema

// Topic names one page-internal broadcast channel.
type Topic string

const (
	// TopicActivate switches every widget to run mode and starts the session.
	TopicActivate Topic = "activate"
	// TopicReset returns every widget to read mode and tears the session down.
	TopicReset Topic = "reset"
	// TopicStatus carries session lifecycle status updates.
	TopicStatus Topic = "status"
	// TopicInjection announces the setup injected into a fresh kernel.
	TopicInjection Topic = "injection"
	// TopicConflict announces the default chosen for ambiguous configuration.
	TopicConflict Topic = "conflict"
	// TopicCell carries per-cell state transitions.
	TopicCell Topic = "cell"
)

// ActivateEvent is broadcast by any widget's Run action. No payload.
type ActivateEvent struct{}

// ResetEvent is broadcast by the toolbar's Back/Stop action. No payload.
type ResetEvent struct{}

// StatusEvent carries the session status to every widget.
type StatusEvent struct {
	Status SessionStatus
}

// InjectionEvent is broadcast once per successful injection.
type InjectionEvent struct {
	Mode    InjectionMode
	Label   string
	Message string
}

// ConflictEvent names the mode chosen by default when both simulator
// and credentials are configured without an explicit choice.
type ConflictEvent struct {
	Chosen InjectionMode
}

// CellEvent carries one cell's state transition.
type CellEvent struct {
	Cell           CellID
	State          CellState
	Classification Classification
}
