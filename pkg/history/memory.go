package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-run/tarsy/pkg/events"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// InMemoryRepository is a goroutine-safe, in-process Repository. It is the
// reference implementation used by every test in this module; it is not
// meant to survive a process restart.
type InMemoryRepository struct {
	mu sync.RWMutex

	sessions        map[string]*models.Session
	stages          map[string]*models.StageExecution
	messages        []*models.Message
	llmInteractions []*models.LLMInteraction
	mcpInteractions []*models.MCPInteraction
	events          []events.EventRecord
	eventCh         map[string][]events.EventRecord // per-channel slice for fast GetEventsSince
	timeline        map[string]*models.TimelineEvent
	nextSeqNum      map[string]int // executionID -> next message sequence number
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions:   make(map[string]*models.Session),
		stages:     make(map[string]*models.StageExecution),
		eventCh:    make(map[string][]events.EventRecord),
		timeline:   make(map[string]*models.TimelineEvent),
		nextSeqNum: make(map[string]int),
	}
}

func nowUs() int64 { return time.Now().UnixMicro() }

// CreateSession stores a copy of session, assigning a SessionID if empty.
func (r *InMemoryRepository) CreateSession(_ context.Context, session *models.Session) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if _, exists := r.sessions[session.SessionID]; exists {
		return nil, fmt.Errorf("session %s already exists", session.SessionID)
	}
	if session.StartedAtUs == 0 {
		session.StartedAtUs = nowUs()
	}
	cp := *session
	r.sessions[cp.SessionID] = &cp
	out := cp
	return &out, nil
}

func (r *InMemoryRepository) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	out := *s
	return &out, nil
}

func (r *InMemoryRepository) ListSessions(_ context.Context, filter models.SessionFilters) ([]*models.Session, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Session
	for _, s := range r.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.AlertType != "" && s.Alert.AlertType != filter.AlertType {
			continue
		}
		if filter.ChainID != "" && s.ChainID != filter.ChainID {
			continue
		}
		cp := *s
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAtUs > matched[j].StartedAtUs })

	total := len(matched)
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// UpdateSessionStatus applies status and the accompanying optional fields.
// Clears PauseMetadata unless the new status is SessionStatusPaused.
func (r *InMemoryRepository) UpdateSessionStatus(_ context.Context, sessionID string, status models.SessionStatus, opts models.UpdateSessionStatusOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.Status = status
	if opts.Error != "" {
		s.ErrorMessage = opts.Error
	}
	if opts.FinalAnalysis != "" {
		s.FinalAnalysis = opts.FinalAnalysis
	}
	if status == models.SessionStatusPaused {
		s.PauseMetadata = opts.PauseMetadata
	} else {
		s.PauseMetadata = nil
	}
	if opts.PodID != nil {
		s.PodID = *opts.PodID
	}
	if status.IsTerminal() {
		t := nowUs()
		s.CompletedAtUs = &t
	}
	s.LastInteractionAtUs = nowUs()
	return nil
}

// MarkOrphanedSessions marks sessions owned by a different, stale pod as
// FAILED, returning the ones it marked. A session is orphaned when it is
// still IN_PROGRESS or PAUSED, is stamped with a pod other than
// currentPodID, and has not reported progress within timeout.
func (r *InMemoryRepository) MarkOrphanedSessions(_ context.Context, currentPodID string, timeout time.Duration) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := nowUs() - timeout.Microseconds()
	var orphaned []*models.Session
	for _, s := range r.sessions {
		if s.Status != models.SessionStatusInProgress && s.Status != models.SessionStatusPaused {
			continue
		}
		if s.PodID == currentPodID {
			continue
		}
		if s.LastInteractionAtUs > cutoff {
			continue
		}
		s.Status = models.SessionStatusFailed
		s.ErrorMessage = "orphaned: no pod reported progress within timeout"
		s.PauseMetadata = nil
		t := nowUs()
		s.CompletedAtUs = &t
		cp := *s
		orphaned = append(orphaned, &cp)
	}
	return orphaned, nil
}

func (r *InMemoryRepository) CreateStageExecution(_ context.Context, req models.CreateStageExecutionRequest) (*models.StageExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec := &models.StageExecution{
		ExecutionID:       uuid.NewString(),
		SessionID:         req.SessionID,
		StageIndex:        req.StageIndex,
		StageName:         req.StageName,
		AgentName:         req.AgentName,
		AgentIndex:        req.AgentIndex,
		IterationStrategy: req.IterationStrategy,
		Status:            models.StageStatusPending,
		ParentExecutionID: req.ParentExecutionID,
		Task:              req.Task,
	}
	r.stages[exec.ExecutionID] = exec
	out := *exec
	return &out, nil
}

func (r *InMemoryRepository) UpdateStageExecution(_ context.Context, executionID string, req models.UpdateStageExecutionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.stages[executionID]
	if !ok {
		return fmt.Errorf("stage execution %s not found", executionID)
	}
	exec.Status = req.Status
	if req.CurrentIteration != nil {
		exec.CurrentIteration = *req.CurrentIteration
	}
	if req.StageOutput != nil {
		exec.StageOutput = *req.StageOutput
	}
	if req.ErrorMessage != nil {
		exec.ErrorMessage = *req.ErrorMessage
	}
	if exec.StartedAtUs == nil && exec.Status == models.StageStatusActive {
		t := nowUs()
		exec.StartedAtUs = &t
	}
	if exec.Status == models.StageStatusCompleted || exec.Status == models.StageStatusFailed || exec.Status == models.StageStatusCancelled {
		t := nowUs()
		exec.CompletedAtUs = &t
		if exec.StartedAtUs != nil {
			d := int((t - *exec.StartedAtUs) / 1000)
			exec.DurationMs = &d
		}
	}
	return nil
}

func (r *InMemoryRepository) GetStageExecutionsForSession(_ context.Context, sessionID string) ([]*models.StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.StageExecution
	for _, exec := range r.stages {
		if exec.SessionID == sessionID {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageIndex < out[j].StageIndex })
	return out, nil
}

func (r *InMemoryRepository) StoreLLMInteraction(_ context.Context, interaction *models.LLMInteraction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interaction.InteractionID == "" {
		interaction.InteractionID = uuid.NewString()
	}
	if interaction.TimestampUs == 0 {
		interaction.TimestampUs = nowUs()
	}
	cp := *interaction
	r.llmInteractions = append(r.llmInteractions, &cp)
	return nil
}

func (r *InMemoryRepository) StoreMCPInteraction(_ context.Context, interaction *models.MCPInteraction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interaction.InteractionID == "" {
		interaction.InteractionID = uuid.NewString()
	}
	if interaction.TimestampUs == 0 {
		interaction.TimestampUs = nowUs()
	}
	cp := *interaction
	r.mcpInteractions = append(r.mcpInteractions, &cp)
	return nil
}

// GetLLMInteractionsForSession returns every LLM interaction recorded for a
// session, ordered by occurrence. Used by the trace view and by tests that
// assert on recorded token usage and timing.
func (r *InMemoryRepository) GetLLMInteractionsForSession(_ context.Context, sessionID string) ([]*models.LLMInteraction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.LLMInteraction
	for _, in := range r.llmInteractions {
		if in.SessionID == sessionID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUs < out[j].TimestampUs })
	return out, nil
}

// GetMCPInteractionsForSession returns every MCP interaction recorded for a
// session, ordered by occurrence.
func (r *InMemoryRepository) GetMCPInteractionsForSession(_ context.Context, sessionID string) ([]*models.MCPInteraction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.MCPInteraction
	for _, in := range r.mcpInteractions {
		if in.SessionID == sessionID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUs < out[j].TimestampUs })
	return out, nil
}

func (r *InMemoryRepository) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := req.SequenceNumber
	if seq == 0 {
		seq = r.nextSeqNum[req.ExecutionID] + 1
	}
	r.nextSeqNum[req.ExecutionID] = seq

	msg := &models.Message{
		SessionID:      req.SessionID,
		StageID:        req.StageID,
		ExecutionID:    req.ExecutionID,
		SequenceNumber: seq,
		Role:           req.Role,
		Content:        req.Content,
		ToolCalls:      req.ToolCalls,
		ToolCallID:     req.ToolCallID,
		ToolName:       req.ToolName,
	}
	r.messages = append(r.messages, msg)
	out := *msg
	return &out, nil
}

// GetMessagesForExecution returns every conversation message stored for an
// agent execution, in sequence order.
func (r *InMemoryRepository) GetMessagesForExecution(_ context.Context, executionID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Message
	for _, m := range r.messages {
		if m.ExecutionID == executionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// GetTimelineEventsForExecution returns every timeline event stored for an
// agent execution, in sequence order. Backs the trace view.
func (r *InMemoryRepository) GetTimelineEventsForExecution(_ context.Context, executionID string) ([]*models.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.TimelineEvent
	for _, e := range r.timeline {
		if e.ExecutionID == executionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (r *InMemoryRepository) CreateTimelineEvent(_ context.Context, req models.CreateTimelineEventRequest) (*models.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := models.TimelineStatusCompleted
	switch req.EventType {
	case models.TimelineEventTypeLlmThinking, models.TimelineEventTypeLlmResponse,
		models.TimelineEventTypeLlmToolCall, models.TimelineEventTypeMcpToolSummary:
		status = models.TimelineStatusStreaming
	}

	event := &models.TimelineEvent{
		EventID:        uuid.NewString(),
		SessionID:      req.SessionID,
		StageID:        req.StageID,
		ExecutionID:    req.ExecutionID,
		SequenceNumber: req.SequenceNumber,
		EventType:      req.EventType,
		Status:         status,
		Content:        req.Content,
		Metadata:       req.Metadata,
		TimestampUs:    nowUs(),
	}
	r.timeline[event.EventID] = event
	out := *event
	return &out, nil
}

func (r *InMemoryRepository) CompleteTimelineEvent(ctx context.Context, eventID, content string, llmInteractionID, mcpInteractionID *string) error {
	return r.CompleteTimelineEventWithMetadata(ctx, eventID, content, nil, llmInteractionID, mcpInteractionID)
}

func (r *InMemoryRepository) CompleteTimelineEventWithMetadata(_ context.Context, eventID, content string, metadata map[string]any, llmInteractionID, mcpInteractionID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.timeline[eventID]
	if !ok {
		return fmt.Errorf("timeline event %s not found", eventID)
	}
	event.Content = content
	event.Status = models.TimelineStatusCompleted
	if metadata != nil {
		event.Metadata = metadata
	}
	if llmInteractionID != nil {
		event.LLMInteractionID = *llmInteractionID
	}
	if mcpInteractionID != nil {
		event.MCPInteractionID = *mcpInteractionID
	}
	return nil
}

func (r *InMemoryRepository) FailTimelineEvent(_ context.Context, eventID, errorContent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.timeline[eventID]
	if !ok {
		return fmt.Errorf("timeline event %s not found", eventID)
	}
	event.Content = errorContent
	event.Status = models.TimelineStatusFailed
	return nil
}

// AppendEvent satisfies events.EventStore.
func (r *InMemoryRepository) AppendEvent(_ context.Context, sessionID, channel string, payload map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := len(r.events) + 1
	rec := events.EventRecord{ID: id, Payload: payload}
	r.events = append(r.events, rec)
	r.eventCh[channel] = append(r.eventCh[channel], rec)
	_ = sessionID // recorded in payload by the publisher; channel is the lookup key here
	return id, nil
}

// GetEventsSince satisfies the unexported eventQuerier interface in pkg/events.
func (r *InMemoryRepository) GetEventsSince(_ context.Context, channel string, sinceID, limit int) ([]events.EventRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []events.EventRecord
	for _, rec := range r.eventCh[channel] {
		if rec.ID > sinceID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
