package models

// TimelineEventType discriminates the kind of activity a timeline event
// records. Some types stream (created empty, later completed with the full
// content); others are fire-and-forget (created once, already terminal).
type TimelineEventType string

const (
	TimelineEventTypeLlmThinking        TimelineEventType = "llm_thinking"
	TimelineEventTypeLlmResponse        TimelineEventType = "llm_response"
	TimelineEventTypeLlmToolCall        TimelineEventType = "llm_tool_call"
	TimelineEventTypeMcpToolSummary     TimelineEventType = "mcp_tool_summary"
	TimelineEventTypeCodeExecution      TimelineEventType = "code_execution"
	TimelineEventTypeGoogleSearchResult TimelineEventType = "google_search_result"
	TimelineEventTypeURLContextResult   TimelineEventType = "url_context_result"
	TimelineEventTypeFinalAnalysis      TimelineEventType = "final_analysis"
	TimelineEventTypeExecutiveSummary   TimelineEventType = "executive_summary"
	TimelineEventTypeError              TimelineEventType = "error"
	TimelineEventTypeTaskAssigned       TimelineEventType = "task_assigned"
)

// TimelineEventStatus is the lifecycle state of one timeline event.
type TimelineEventStatus string

const (
	TimelineStatusStreaming TimelineEventStatus = "streaming"
	TimelineStatusCompleted TimelineEventStatus = "completed"
	TimelineStatusFailed    TimelineEventStatus = "failed"
)

// TimelineEvent is the durable record of one entry in a stage's activity
// timeline — an LLM thought, a tool call, or a terminal conclusion. Events of
// type llm_thinking, llm_response, llm_tool_call, and mcp_tool_summary are
// created with Status streaming and empty Content, then later completed in
// place; all other types are created already in a terminal status.
type TimelineEvent struct {
	EventID          string
	SessionID        string
	StageID          string
	ExecutionID      string
	SequenceNumber   int
	EventType        TimelineEventType
	Status           TimelineEventStatus
	Content          string
	Metadata         map[string]any
	LLMInteractionID string
	MCPInteractionID string
	TimestampUs      int64
}

// CreateTimelineEventRequest is the input to Repository.CreateTimelineEvent.
type CreateTimelineEventRequest struct {
	SessionID      string
	StageID        string
	ExecutionID    string
	SequenceNumber int
	EventType      TimelineEventType
	Content        string
	Metadata       map[string]any
}
