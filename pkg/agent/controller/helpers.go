package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-run/tarsy/pkg/agent"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// formatTimestamp renders a microsecond epoch timestamp as RFC3339Nano, the
// wire format every event payload uses.
func formatTimestamp(us int64) string {
	return time.UnixMicro(us).UTC().Format(time.RFC3339Nano)
}

// tsNowUs returns the current time as a microsecond epoch timestamp.
func tsNowUs() int64 {
	return time.Now().UnixMicro()
}

// accumulateUsage adds token counts from an LLM response to the running total.
func accumulateUsage(total *agent.TokenUsage, resp *LLMResponse) {
	if resp != nil {
		accumulateTokenUsage(total, resp.Usage)
	}
}

// accumulateTokenUsage adds token counts from a TokenUsage to the running total.
// Accepts *agent.TokenUsage directly, avoiding the need to wrap usage in a
// throwaway LLMResponse (e.g., when accumulating summarization usage).
func accumulateTokenUsage(total *agent.TokenUsage, usage *agent.TokenUsage) {
	if usage == nil {
		return
	}
	total.InputTokens += usage.InputTokens
	total.OutputTokens += usage.OutputTokens
	total.TotalTokens += usage.TotalTokens
	total.ThinkingTokens += usage.ThinkingTokens
}

// recordLLMInteraction creates an LLMInteraction record in the database.
// Logs slog.Error on failure but does not abort the investigation loop —
// the in-memory state is authoritative during execution.
func recordLLMInteraction(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	iteration int,
	interactionType string,
	messagesCount int,
	resp *LLMResponse,
	lastMessageID *string,
	startTime time.Time,
) {
	durationMs := int(time.Since(startTime).Milliseconds())

	usage := &models.TokenUsage{}
	if resp != nil && resp.Usage != nil {
		usage = &models.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	interaction := &models.LLMInteraction{
		SessionID:        execCtx.SessionID,
		StageExecutionID: execCtx.ExecutionID,
		DurationMs:       durationMs,
		Model:            execCtx.Config.LLMProvider.Model,
		Provider:         string(execCtx.Config.LLMProvider.Type),
		TokenUsage:       usage,
		Success:          true,
	}

	if err := execCtx.History.StoreLLMInteraction(ctx, interaction); err != nil {
		slog.Error("Failed to record LLM interaction",
			"session_id", execCtx.SessionID, "type", interactionType, "error", err)
	}
}

// isTimeoutError reports whether err represents a deadline/timeout failure.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out")
}

// generateCallID creates a unique ID for a tool call.
func generateCallID() string {
	return uuid.New().String()
}

// buildToolNameSet creates a set of available tool names for quick lookup.
func buildToolNameSet(tools []agent.ToolDefinition) map[string]bool {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t.Name] = true
	}
	return set
}

// failedResult creates a failed ExecutionResult from iteration state.
// state must not be nil — callers always pass the locally-created IterationState
// from the top of their Run() method.
func failedResult(state *agent.IterationState, totalUsage agent.TokenUsage) *agent.ExecutionResult {
	return &agent.ExecutionResult{
		Status: agent.ExecutionStatusFailed,
		Error: fmt.Errorf("aborted after %d consecutive timeouts (iteration %d/%d): %s",
			state.ConsecutiveTimeoutFailures, state.CurrentIteration, state.MaxIterations, state.LastErrorMessage),
		TokensUsed: totalUsage,
	}
}

// tokenUsageFromResp extracts token usage from an LLM response.
func tokenUsageFromResp(resp *LLMResponse) agent.TokenUsage {
	if resp == nil || resp.Usage == nil {
		return agent.TokenUsage{}
	}
	return *resp.Usage
}
