package models

// StageExecutionStatus is the lifecycle state of one stage within a chain run.
type StageExecutionStatus string

const (
	StageStatusPending   StageExecutionStatus = "pending"
	StageStatusActive    StageExecutionStatus = "active"
	StageStatusPaused    StageExecutionStatus = "paused"
	StageStatusCompleted StageExecutionStatus = "completed"
	StageStatusFailed    StageExecutionStatus = "failed"
	StageStatusCancelled StageExecutionStatus = "cancelled"
)

// StageExecution is the durable record of one stage's run within a session.
// StageIndex is unique within a session; at most one stage of a session is
// Active or Paused at any time.
type StageExecution struct {
	ExecutionID       string
	SessionID         string
	StageIndex        int
	StageName         string
	AgentName         string
	AgentIndex        int
	IterationStrategy string
	Status            StageExecutionStatus
	StartedAtUs       *int64
	CompletedAtUs     *int64
	DurationMs        *int
	CurrentIteration  int
	StageOutput       string
	ErrorMessage      string

	// ParentExecutionID is set when this execution is a sub-agent dispatched
	// by an orchestrator agent; nil for top-level chain stage executions.
	ParentExecutionID *string
	// Task is the natural-language task assigned to a sub-agent; nil for
	// top-level chain stage executions.
	Task *string
}

// CreateStageExecutionRequest is the input to Repository.CreateStageExecution.
type CreateStageExecutionRequest struct {
	SessionID         string
	StageIndex        int
	StageName         string
	AgentName         string
	AgentIndex        int
	IterationStrategy string
	ParentExecutionID *string
	Task              *string
}

// UpdateStageExecutionRequest carries the mutable fields of a stage execution;
// nil/zero-value fields leave the stored value unchanged except Status, which
// is always applied.
type UpdateStageExecutionRequest struct {
	Status           StageExecutionStatus
	CurrentIteration *int
	StageOutput      *string
	ErrorMessage     *string
}
