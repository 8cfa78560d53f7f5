package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tarsy-run/tarsy/pkg/agent"
	"github.com/tarsy-run/tarsy/pkg/config"
	"github.com/tarsy-run/tarsy/pkg/events"
	"github.com/tarsy-run/tarsy/pkg/history"
	"github.com/tarsy-run/tarsy/pkg/masking"
	"github.com/tarsy-run/tarsy/pkg/mcp"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// ChainDeps bundles the dependencies ChainExecutor needs to run a chain's
// stages, following the same shape as SubAgentDeps.
type ChainDeps struct {
	Config       *config.Config
	AgentFactory *agent.AgentFactory
	MCPFactory   *mcp.ClientFactory

	LLMClient      agent.LLMClient
	EventPublisher agent.EventPublisher
	PromptBuilder  agent.PromptBuilder

	History history.Repository

	// Masking applies alert-payload masking before the alert reaches any
	// agent. nil disables masking.
	Masking *masking.MaskingService
}

// ChainExecutor drives a session's alert through its chain's stages in
// order: per stage it creates the stage execution record, builds a
// per-stage MCP client, instantiates and runs the agent(s), then records
// the outcome and publishes lifecycle events. Grounded in the same
// create→active→run→complete pattern SubAgentRunner uses for sub-agents,
// generalized to top-level chain stages and multi-agent/replica fan-out.
type ChainExecutor struct {
	deps *ChainDeps
}

// NewChainExecutor creates a chain executor.
func NewChainExecutor(deps *ChainDeps) *ChainExecutor {
	return &ChainExecutor{deps: deps}
}

// Execute runs every stage of chain in order against session, threading
// each stage's aggregated output forward as the next stage's prior-stage
// context. Implements the review's required C11 execution loop: create
// stage execution → publish stage.started → build per-stage MCP client →
// agent.process → set stage status → publish stage.completed → always
// close the MCP client. The return type is shared with pkg/session
// (models.ChainExecutionResult) so the two packages never import each other.
func (e *ChainExecutor) Execute(ctx context.Context, session *models.Session, chain *config.ChainConfig) *models.ChainExecutionResult {
	return e.runFrom(ctx, session, chain, 0, "")
}

// Resume runs chain starting at fromStageIndex, seeding the prior-stage
// context from the outputs already recorded for the stages before it.
// Used when the session manager restarts a session after Manager.Pause —
// stages before fromStageIndex are not re-run.
func (e *ChainExecutor) Resume(ctx context.Context, session *models.Session, chain *config.ChainConfig, fromStageIndex int) *models.ChainExecutionResult {
	return e.runFrom(ctx, session, chain, fromStageIndex, e.priorStageOutput(ctx, session, fromStageIndex))
}

// priorStageOutput reconstructs the prior-stage context a resumed run should
// see: the recorded output of every already-completed stage before
// fromStageIndex, in stage order.
func (e *ChainExecutor) priorStageOutput(ctx context.Context, session *models.Session, fromStageIndex int) string {
	execs, err := e.deps.History.GetStageExecutionsForSession(ctx, session.SessionID)
	if err != nil {
		slog.Warn("Failed to load prior stage executions for resume", "session_id", session.SessionID, "error", err)
		return ""
	}
	var outputs []string
	for _, ex := range execs {
		if ex.StageIndex < fromStageIndex && ex.Status == models.StageStatusCompleted && ex.StageOutput != "" {
			outputs = append(outputs, ex.StageOutput)
		}
	}
	return strings.Join(outputs, "\n\n")
}

func (e *ChainExecutor) runFrom(ctx context.Context, session *models.Session, chain *config.ChainConfig, fromStageIndex int, seedContext string) *models.ChainExecutionResult {
	accumulated := seedContext

	for stageIndex := fromStageIndex; stageIndex < len(chain.Stages); stageIndex++ {
		stage := chain.Stages[stageIndex]
		if err := ctx.Err(); err != nil {
			return e.cancellationResult(err)
		}

		outcome := e.executeStage(ctx, session, chain, stage, stageIndex, accumulated)
		if outcome.aborted {
			return e.cancellationResult(ctx.Err())
		}
		accumulated = outcome.output

		isLast := stageIndex == len(chain.Stages)-1
		if isLast {
			return &models.ChainExecutionResult{Status: models.SessionStatusCompleted, FinalAnalysis: outcome.output}
		}
		// A stage FAILED does not abort the chain; later stages (and the
		// final synthesis stage) still run against whatever output exists.
	}

	return &models.ChainExecutionResult{Status: models.SessionStatusCompleted, FinalAnalysis: accumulated}
}

func (e *ChainExecutor) cancellationResult(err error) *models.ChainExecutionResult {
	status := models.SessionStatusCancelled
	if err == context.DeadlineExceeded {
		status = models.SessionStatusTimedOut
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return &models.ChainExecutionResult{Status: status, ErrorMessage: errMsg}
}

// stageOutcome carries a stage's aggregated output forward to the next stage.
type stageOutcome struct {
	output  string
	status  models.StageExecutionStatus
	aborted bool // true when the session context ended mid-stage
}

// executeStage fans a stage's agents (and replicas) out concurrently, waits
// for all of them, and aggregates their outputs per the stage's SuccessPolicy.
func (e *ChainExecutor) executeStage(
	ctx context.Context,
	session *models.Session,
	chain *config.ChainConfig,
	stage config.StageConfig,
	stageIndex int,
	prevContext string,
) stageOutcome {
	replicas := stage.Replicas
	if replicas < 1 {
		replicas = 1
	}

	type unit struct {
		agentCfg   config.StageAgentConfig
		agentIndex int
	}
	var units []unit
	idx := 0
	for _, agentCfg := range stage.Agents {
		for r := 0; r < replicas; r++ {
			units = append(units, unit{agentCfg: agentCfg, agentIndex: idx})
			idx++
		}
	}

	results := make([]*agentOutcome, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u unit) {
			defer wg.Done()
			results[i] = e.executeAgent(ctx, session, chain, stage, stageIndex, u.agentIndex, u.agentCfg, prevContext)
		}(i, u)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stageOutcome{aborted: true}
	}

	policy := stage.SuccessPolicy
	if policy == "" {
		policy = config.SuccessPolicyAny
	}
	return e.aggregateStage(results, policy)
}

// agentOutcome is the result of a single agent's (or replica's) stage execution.
type agentOutcome struct {
	status models.StageExecutionStatus
	output string
	errMsg string
}

func (e *ChainExecutor) aggregateStage(results []*agentOutcome, policy config.SuccessPolicy) stageOutcome {
	var outputs []string
	var failed []string
	succeeded := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.status == models.StageStatusCompleted {
			succeeded++
			if r.output != "" {
				outputs = append(outputs, r.output)
			}
		} else if r.errMsg != "" {
			failed = append(failed, r.errMsg)
		}
	}

	allOK := succeeded == len(results)
	anyOK := succeeded > 0

	status := models.StageStatusFailed
	switch policy {
	case config.SuccessPolicyAll:
		if allOK {
			status = models.StageStatusCompleted
		}
	default: // SuccessPolicyAny
		if anyOK {
			status = models.StageStatusCompleted
		}
	}

	output := strings.Join(outputs, "\n\n")
	if status == models.StageStatusFailed && output == "" && len(failed) > 0 {
		output = "stage failed: " + strings.Join(failed, "; ")
	}
	return stageOutcome{output: output, status: status}
}

// executeAgent runs one agent (or replica) within a stage: create the stage
// execution record, mark it active, build its MCP tool executor, run the
// agent, record the terminal status, and publish stage.started/completed.
func (e *ChainExecutor) executeAgent(
	ctx context.Context,
	session *models.Session,
	chain *config.ChainConfig,
	stage config.StageConfig,
	stageIndex int,
	agentIndex int,
	agentCfg config.StageAgentConfig,
	prevContext string,
) *agentOutcome {
	resolvedConfig, err := agent.ResolveAgentConfig(e.deps.Config, chain, stage, agentCfg)
	if err != nil {
		slog.Error("Failed to resolve agent config", "agent", agentCfg.Name, "error", err)
		return &agentOutcome{status: models.StageStatusFailed, errMsg: err.Error()}
	}

	exec, err := e.deps.History.CreateStageExecution(ctx, models.CreateStageExecutionRequest{
		SessionID:         session.SessionID,
		StageIndex:        stageIndex,
		StageName:         stage.Name,
		AgentName:         agentCfg.Name,
		AgentIndex:        agentIndex,
		IterationStrategy: string(resolvedConfig.IterationStrategy),
	})
	if err != nil {
		slog.Error("Failed to create stage execution", "stage", stage.Name, "error", err)
		return &agentOutcome{status: models.StageStatusFailed, errMsg: err.Error()}
	}

	e.publishStageStatus(ctx, session.SessionID, exec.ExecutionID, stage.Name, stageIndex, "started")

	if updateErr := e.deps.History.UpdateStageExecution(ctx, exec.ExecutionID, models.UpdateStageExecutionRequest{
		Status: models.StageStatusActive,
	}); updateErr != nil {
		slog.Warn("Failed to mark stage execution active", "execution_id", exec.ExecutionID, "error", updateErr)
	}

	var toolExecutor agent.ToolExecutor
	if len(resolvedConfig.MCPServers) > 0 && resolvedConfig.IterationStrategy != config.IterationStrategyReactFinalAnalysis {
		mcpExecutor, _, mcpErr := e.deps.MCPFactory.CreateToolExecutor(ctx, resolvedConfig.MCPServers, nil)
		if mcpErr != nil {
			slog.Warn("Failed to build MCP tool executor for stage, using stub",
				"stage", stage.Name, "agent", agentCfg.Name, "error", mcpErr)
			toolExecutor = agent.NewStubToolExecutor(nil)
		} else {
			toolExecutor = mcpExecutor
		}
	} else {
		toolExecutor = agent.NewStubToolExecutor(nil)
	}
	// Guaranteed-release block: the tool executor (and any MCP transports it
	// owns) is always closed, whatever the agent run's outcome.
	defer func() { _ = toolExecutor.Close() }()

	execCtx := &agent.ExecutionContext{
		SessionID:      session.SessionID,
		StageID:        exec.ExecutionID,
		ExecutionID:    exec.ExecutionID,
		AgentName:      agentCfg.Name,
		AgentIndex:     agentIndex,
		AlertData:      e.alertData(session),
		AlertType:      session.Alert.AlertType,
		RunbookContent: e.runbookContent(session),
		Config:         resolvedConfig,
		LLMClient:      e.deps.LLMClient,
		ToolExecutor:   toolExecutor,
		EventPublisher: e.deps.EventPublisher,
		PromptBuilder:  e.deps.PromptBuilder,
		History:        e.deps.History,
	}

	agentInstance, err := e.deps.AgentFactory.CreateAgent(execCtx)
	if err != nil {
		return e.completeAgent(ctx, exec.ExecutionID, session.SessionID, stage.Name, stageIndex,
			models.StageStatusFailed, "", err.Error())
	}

	result, err := agentInstance.Execute(ctx, execCtx, prevContext)
	if err != nil {
		status := models.StageStatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			status = models.StageStatusFailed
		} else if ctx.Err() != nil {
			status = models.StageStatusCancelled
		}
		return e.completeAgent(ctx, exec.ExecutionID, session.SessionID, stage.Name, stageIndex,
			status, "", err.Error())
	}

	var errMsg string
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	return e.completeAgent(ctx, exec.ExecutionID, session.SessionID, stage.Name, stageIndex,
		mapExecutionStatusToStage(result.Status), result.FinalAnalysis, errMsg)
}

func (e *ChainExecutor) completeAgent(
	ctx context.Context,
	executionID, sessionID, stageName string,
	stageIndex int,
	status models.StageExecutionStatus,
	output, errMsg string,
) *agentOutcome {
	if updateErr := e.deps.History.UpdateStageExecution(context.Background(), executionID, models.UpdateStageExecutionRequest{
		Status:       status,
		StageOutput:  &output,
		ErrorMessage: &errMsg,
	}); updateErr != nil {
		slog.Warn("Failed to record stage execution outcome", "execution_id", executionID, "error", updateErr)
	}
	e.publishStageStatus(ctx, sessionID, executionID, stageName, stageIndex, string(status))
	return &agentOutcome{status: status, output: output, errMsg: errMsg}
}

func (e *ChainExecutor) publishStageStatus(ctx context.Context, sessionID, executionID, stageName string, stageIndex int, status string) {
	if e.deps.EventPublisher == nil {
		return
	}
	err := e.deps.EventPublisher.PublishStageStatus(ctx, sessionID, events.StageStatusPayload{
		BasePayload: events.BasePayload{
			Type:      events.EventTypeStageStatus,
			SessionID: sessionID,
			Timestamp: formatChainTimestamp(time.Now().UnixMicro()),
		},
		StageID:    executionID,
		StageName:  stageName,
		StageIndex: stageIndex + 1, // wire format is 1-based
		Status:     status,
	})
	if err != nil {
		slog.Warn("Failed to publish stage status", "session_id", sessionID, "stage", stageName, "status", status, "error", err)
	}
}

// alertData renders the session's alert payload as the plain text every
// controller and prompt builder expects, then applies alert masking.
func (e *ChainExecutor) alertData(session *models.Session) string {
	text, err := canonicalAlertPayload(session.Alert.Payload)
	if err != nil {
		text = fmt.Sprintf("%v", session.Alert.Payload)
	}
	if e.deps.Masking != nil {
		text = e.deps.Masking.MaskAlertData(text)
	}
	return text
}

// canonicalAlertPayload renders an alert payload as deterministic JSON
// (sorted keys, per encoding/json's map marshaling).
func canonicalAlertPayload(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// runbookContent returns the runbook text for the session: the alert's own
// runbook reference if present, otherwise the configured system default.
func (e *ChainExecutor) runbookContent(session *models.Session) string {
	if session.Alert.RunbookURL != "" {
		return session.Alert.RunbookURL
	}
	if e.deps.Config != nil && e.deps.Config.Defaults != nil {
		return e.deps.Config.Defaults.Runbook
	}
	return ""
}

func mapExecutionStatusToStage(status agent.ExecutionStatus) models.StageExecutionStatus {
	switch status {
	case agent.ExecutionStatusCompleted:
		return models.StageStatusCompleted
	case agent.ExecutionStatusCancelled:
		return models.StageStatusCancelled
	default:
		return models.StageStatusFailed
	}
}

func formatChainTimestamp(us int64) string {
	return time.UnixMicro(us).UTC().Format(time.RFC3339Nano)
}
