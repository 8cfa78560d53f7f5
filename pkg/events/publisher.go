package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// EventStore durably records events for later catchup delivery. Implemented
// by history.Repository; declared here to avoid an import cycle between
// pkg/events and pkg/history.
type EventStore interface {
	AppendEvent(ctx context.Context, sessionID, channel string, payload map[string]any) (id int, err error)
}

// Broadcaster delivers a raw payload to all subscribers of a channel.
// Implemented by *ConnectionManager.
type Broadcaster interface {
	Broadcast(channel string, event []byte)
}

// EventPublisher publishes events for WebSocket delivery. Persistent events
// are stored via EventStore (for catchup) then broadcast in-process;
// transient events (streaming chunks) are broadcast only.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Internally, payloads are marshaled to JSON and routed to the
// channel derived from sessionID.
type EventPublisher struct {
	store       EventStore
	broadcaster Broadcaster
}

// NewEventPublisher creates a new EventPublisher.
func NewEventPublisher(store EventStore, broadcaster Broadcaster) *EventPublisher {
	return &EventPublisher{store: store, broadcaster: broadcaster}
}

// PublishTimelineCreated persists and broadcasts a timeline_event.created event.
// Used when a new timeline event is created (streaming or completed).
func (p *EventPublisher) PublishTimelineCreated(ctx context.Context, sessionID string, payload TimelineCreatedPayload) error {
	return p.persistAndBroadcast(ctx, sessionID, SessionChannel(sessionID), payload)
}

// PublishTimelineCompleted persists and broadcasts a timeline_event.completed event.
// Used when a streaming timeline event transitions to a terminal status.
func (p *EventPublisher) PublishTimelineCompleted(ctx context.Context, sessionID string, payload TimelineCompletedPayload) error {
	return p.persistAndBroadcast(ctx, sessionID, SessionChannel(sessionID), payload)
}

// PublishStreamChunk broadcasts a stream.chunk transient event (no durable storage).
// Used for high-frequency LLM streaming tokens — ephemeral, lost on disconnect.
func (p *EventPublisher) PublishStreamChunk(ctx context.Context, sessionID string, payload StreamChunkPayload) error {
	return p.broadcastOnly(SessionChannel(sessionID), payload)
}

// PublishStageStatus persists and broadcasts a stage.status event.
// Used for stage lifecycle transitions (started, completed, failed, etc.).
func (p *EventPublisher) PublishStageStatus(ctx context.Context, sessionID string, payload StageStatusPayload) error {
	return p.persistAndBroadcast(ctx, sessionID, SessionChannel(sessionID), payload)
}

// PublishSessionStatus persists a session status event to the session channel
// and broadcasts a transient copy to the global sessions channel.
// Both publishes are best-effort: if the persistent one fails, the transient
// one is still attempted. Returns the first error encountered (if any).
func (p *EventPublisher) PublishSessionStatus(ctx context.Context, sessionID string, payload SessionStatusPayload) error {
	var firstErr error
	if err := p.persistAndBroadcast(ctx, sessionID, SessionChannel(sessionID), payload); err != nil {
		slog.Warn("Failed to publish session status to session channel",
			"session_id", sessionID, "status", payload.Status, "error", err)
		firstErr = err
	}

	if err := p.broadcastOnly(GlobalSessionsChannel, payload); err != nil {
		slog.Warn("Failed to publish session status to global channel",
			"session_id", sessionID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// persistAndBroadcast stores the payload via EventStore (assigning it a
// position for catchup) and broadcasts it in-process, injecting the
// assigned id as db_event_id so clients can track their position.
func (p *EventPublisher) persistAndBroadcast(ctx context.Context, sessionID, channel string, payload any) error {
	m, err := toMap(payload)
	if err != nil {
		return err
	}

	if p.store != nil {
		id, err := p.store.AppendEvent(ctx, sessionID, channel, m)
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		m["db_event_id"] = id
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal enriched payload: %w", err)
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(channel, data)
	}
	return nil
}

// broadcastOnly marshals and broadcasts a payload without persisting it.
func (p *EventPublisher) broadcastOnly(channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(channel, data)
	}
	return nil
}

// toMap round-trips a typed payload through JSON into a map so fields like
// db_event_id can be injected before the final marshal.
func toMap(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}
