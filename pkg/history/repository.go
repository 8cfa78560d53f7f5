// Package history defines the durable-storage seam for the engine: sessions,
// stage executions, LLM/MCP interactions, conversation messages, timeline
// events, and the event-bus log that backs WebSocket catchup delivery.
//
// Repository is deliberately storage-agnostic — callers in pkg/agent and
// pkg/session depend only on this interface, never on a concrete driver.
// InMemoryRepository (memory.go) is the reference implementation used by
// every test in this module; a production build wires in whatever store
// fits its deployment.
package history

import (
	"context"
	"time"

	"github.com/tarsy-run/tarsy/pkg/events"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// Repository is the durable-storage interface used throughout the engine.
// It also satisfies the narrower seams expected by pkg/events
// (EventStore.AppendEvent, eventQuerier.GetEventsSince) so a single
// implementation can back both the domain records and the event log.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter models.SessionFilters) ([]*models.Session, int, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, opts models.UpdateSessionStatusOptions) error
	MarkOrphanedSessions(ctx context.Context, currentPodID string, timeout time.Duration) ([]*models.Session, error)

	// Stage executions
	CreateStageExecution(ctx context.Context, req models.CreateStageExecutionRequest) (*models.StageExecution, error)
	UpdateStageExecution(ctx context.Context, executionID string, req models.UpdateStageExecutionRequest) error
	GetStageExecutionsForSession(ctx context.Context, sessionID string) ([]*models.StageExecution, error)

	// Interactions
	StoreLLMInteraction(ctx context.Context, interaction *models.LLMInteraction) error
	StoreMCPInteraction(ctx context.Context, interaction *models.MCPInteraction) error
	GetLLMInteractionsForSession(ctx context.Context, sessionID string) ([]*models.LLMInteraction, error)
	GetMCPInteractionsForSession(ctx context.Context, sessionID string) ([]*models.MCPInteraction, error)

	// Conversation messages
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	GetMessagesForExecution(ctx context.Context, executionID string) ([]*models.Message, error)

	// Timeline
	CreateTimelineEvent(ctx context.Context, req models.CreateTimelineEventRequest) (*models.TimelineEvent, error)
	CompleteTimelineEvent(ctx context.Context, eventID, content string, llmInteractionID, mcpInteractionID *string) error
	CompleteTimelineEventWithMetadata(ctx context.Context, eventID, content string, metadata map[string]any, llmInteractionID, mcpInteractionID *string) error
	FailTimelineEvent(ctx context.Context, eventID, errorContent string) error
	GetTimelineEventsForExecution(ctx context.Context, executionID string) ([]*models.TimelineEvent, error)

	// Event-bus durability (satisfies events.EventStore / events.eventQuerier).
	AppendEvent(ctx context.Context, sessionID, channel string, payload map[string]any) (int, error)
	GetEventsSince(ctx context.Context, channel string, sinceID, limit int) ([]events.EventRecord, error)
}
