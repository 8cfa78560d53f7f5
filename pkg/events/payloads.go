package events

// BasePayload carries the fields every session-channel payload must expose so
// the client's WebSocket router can dispatch on session_id regardless of the
// specific event type.
type BasePayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// TimelineCreatedPayload is the payload for timeline_event.created events.
// Published when a new timeline event is created (streaming or completed).
type TimelineCreatedPayload struct {
	BasePayload
	EventID        string         `json:"event_id"`
	StageID        string         `json:"stage_id,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	EventType      string         `json:"event_type"` // e.g. "llm_thinking", "llm_tool_call"
	Status         string         `json:"status"`     // "streaming" or "completed"
	Content        string         `json:"content"`    // event content (may be empty for streaming)
	Metadata       map[string]any `json:"metadata,omitempty"`
	SequenceNumber int            `json:"sequence_number"`
}

// TimelineCompletedPayload is the payload for timeline_event.completed events.
// Published when a streaming timeline event transitions to a terminal status.
type TimelineCompletedPayload struct {
	BasePayload
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content"` // final content
	Status    string         `json:"status"`  // "completed" or "failed"
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StreamChunkPayload is the payload for stream.chunk transient events.
// Published for each LLM streaming token — high frequency, ephemeral.
type StreamChunkPayload struct {
	BasePayload
	EventID string `json:"event_id"` // parent timeline event UUID
	Delta   string `json:"delta"`    // incremental text chunk
}

// SessionStatusPayload is the payload for session.status events.
// Published when a session transitions between lifecycle states.
type SessionStatusPayload struct {
	BasePayload
	Status string `json:"status"` // new status (e.g. "in_progress", "completed")
}

// StageStatusPayload is the payload for stage.status events.
// Single event type for all stage lifecycle transitions (started, completed, failed, etc.).
type StageStatusPayload struct {
	BasePayload
	StageID    string `json:"stage_id,omitempty"` // may be empty on "started" if stage creation hasn't happened yet
	StageName  string `json:"stage_name"`         // human-readable stage name from config
	StageIndex int    `json:"stage_index"`        // 1-based
	Status     string `json:"status"`             // started, completed, failed, timed_out, cancelled
}
