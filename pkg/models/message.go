package models

// MessageRole identifies the speaker of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCallData is the durable form of an assistant-issued tool call.
type ToolCallData struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one entry of a stored conversation, as persisted alongside an
// LLM interaction so the full cumulative conversation can be replayed.
type Message struct {
	SessionID      string
	StageID        string
	ExecutionID    string
	SequenceNumber int
	Role           MessageRole
	Content        string
	ToolCalls      []ToolCallData
	ToolCallID     string
	ToolName       string
}

// CreateMessageRequest is the input to Repository.CreateMessage.
type CreateMessageRequest struct {
	SessionID      string
	StageID        string
	ExecutionID    string
	SequenceNumber int
	Role           MessageRole
	Content        string
	ToolCalls      []ToolCallData
	ToolCallID     string
	ToolName       string
}
