package models

// ChainExecutionResult is the outcome of running a session's chain to
// completion, cancellation, pause, or timeout. It is the shared return
// type between the chain executor (C11) and the session manager (C12),
// letting the two depend on each other only through this package.
type ChainExecutionResult struct {
	Status        SessionStatus
	FinalAnalysis string
	ErrorMessage  string

	// PauseMetadata is set iff Status is SessionStatusPaused — an iteration
	// controller raised MAX_ITERATIONS_REACHED mid-chain.
	PauseMetadata *PauseMetadata
}
