// Package models contains the domain entities shared across the engine:
// sessions, stage executions, interactions, and the small value types that
// travel between the session manager, orchestrator, and history repository.
package models

// SessionStatus is the lifecycle state of an alert session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
	SessionStatusTimedOut   SessionStatus = "timed_out"
)

// IsTerminal reports whether the status is one a session never leaves.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled, SessionStatusTimedOut:
		return true
	default:
		return false
	}
}

// Alert is the immutable input accepted at submission time.
type Alert struct {
	AlertType   string
	RunbookURL  string
	Severity    string
	TimestampUs int64
	Payload     map[string]any
	Fingerprint string
}

// PauseMetadata records why and where a session paused. Non-nil iff the
// owning session's Status is SessionStatusPaused.
type PauseMetadata struct {
	Reason           string
	CurrentIteration int
	Message          string
	PausedAtUs       int64
}

// PauseReasonMaxIterations is the pause reason raised by an iteration
// controller when it exhausts its iteration budget without concluding.
const PauseReasonMaxIterations = "MAX_ITERATIONS_REACHED"

// Session is the durable record of one alert's processing.
type Session struct {
	SessionID           string
	Alert               Alert
	ChainID             string
	Status              SessionStatus
	StartedAtUs         int64
	CompletedAtUs       *int64
	FinalAnalysis       string
	ErrorMessage        string
	PauseMetadata       *PauseMetadata
	PodID               string
	LastInteractionAtUs int64
}

// SessionFilters narrows a ListSessions query.
type SessionFilters struct {
	Status    SessionStatus
	AlertType string
	ChainID   string
	Limit     int
	Offset    int
}

// UpdateSessionStatusOptions carries the optional fields accompanying a
// session status transition. Applying any non-PAUSED status clears the
// session's PauseMetadata.
type UpdateSessionStatusOptions struct {
	Metadata      map[string]any
	Error         string
	FinalAnalysis string
	PauseMetadata *PauseMetadata

	// PodID, when non-nil, stamps the session with the owning pod's
	// identity. Set on the transition into IN_PROGRESS; left nil on every
	// other transition so a session keeps the pod that last ran it.
	PodID *string
}
