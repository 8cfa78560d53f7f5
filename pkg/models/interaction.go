package models

// CommunicationType distinguishes an MCP tool listing from a tool call.
type CommunicationType string

const (
	CommunicationTypeToolList CommunicationType = "tool_list"
	CommunicationTypeToolCall CommunicationType = "tool_call"
)

// TokenUsage summarises token accounting for one LLM call.
type TokenUsage struct {
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ThinkingTokens int
}

// LLMInteraction is the durable record of one call to the LLM client. The
// Conversation stored is the complete cumulative conversation at the time
// the interaction concluded — earlier messages are replayed verbatim, so
// interaction[i].Conversation is always a prefix match of interaction[i+1]
// within the same stage.
type LLMInteraction struct {
	InteractionID    string
	SessionID        string
	StageExecutionID string
	TimestampUs      int64
	DurationMs       int
	Model            string
	Provider         string
	Temperature      float64
	Conversation     []Message
	TokenUsage       *TokenUsage
	Success          bool
	ErrorMessage     string
}

// MCPInteraction is the durable record of one MCP call (list_tools or
// call_tool). ToolResult is truncated at write time, independent of any
// summarisation applied for the LLM's consumption.
type MCPInteraction struct {
	InteractionID     string
	SessionID         string
	StageExecutionID  string
	TimestampUs       int64
	DurationMs        int
	ServerName        string
	CommunicationType CommunicationType
	ToolName          string
	ToolArguments     map[string]any
	ToolResult        string
	Masked            bool
	Success           bool
	ErrorMessage      string
}
