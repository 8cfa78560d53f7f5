// Package session implements the session manager (C12): alert submission
// and deduplication, the admission-control semaphore bounding concurrent
// processing, pod ownership and heartbeats, pause/resume/cancellation, and
// startup orphan recovery. It owns the full lifecycle of models.Session.
package session

import (
	"context"

	"github.com/tarsy-run/tarsy/pkg/config"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// RejectionReason is returned by Submit when an alert is not admitted.
type RejectionReason string

const (
	// RejectionDuplicate means an in-flight session already holds this
	// alert's key; no new session record was created.
	RejectionDuplicate RejectionReason = "DUPLICATE"

	// RejectionNoChain means no chain in the registry handles the alert's
	// alert_type; no session record was created.
	RejectionNoChain RejectionReason = "NO_CHAIN"
)

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	SessionID string
	Admitted  bool
	Reason    RejectionReason
}

// ChainExecutor runs a session's chain to completion, cancellation, pause,
// or timeout. Implemented by orchestrator.ChainExecutor; declared here as
// an interface so pkg/session never imports pkg/agent/orchestrator — the
// two packages are wired together by whatever constructs both (cmd/tarsy).
type ChainExecutor interface {
	// Execute runs chain from its first stage.
	Execute(ctx context.Context, session *models.Session, chain *config.ChainConfig) *models.ChainExecutionResult

	// Resume runs chain starting at fromStageIndex, skipping the stages
	// before it. Used after Manager.Resume reloads a paused session.
	Resume(ctx context.Context, session *models.Session, chain *config.ChainConfig, fromStageIndex int) *models.ChainExecutionResult
}
