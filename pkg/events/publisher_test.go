package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEventStore is an in-memory EventStore for testing EventPublisher.
type fakeEventStore struct {
	nextID   int
	appended []struct {
		sessionID string
		channel   string
		payload   map[string]any
	}
	err error
}

func (f *fakeEventStore) AppendEvent(_ context.Context, sessionID, channel string, payload map[string]any) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.appended = append(f.appended, struct {
		sessionID string
		channel   string
		payload   map[string]any
	}{sessionID, channel, payload})
	return f.nextID, nil
}

// fakeBroadcaster records every broadcast for assertions.
type fakeBroadcaster struct {
	broadcasts []struct {
		channel string
		event   []byte
	}
}

func (f *fakeBroadcaster) Broadcast(channel string, event []byte) {
	f.broadcasts = append(f.broadcasts, struct {
		channel string
		event   []byte
	}{channel, event})
}

func TestNewEventPublisher(t *testing.T) {
	publisher := NewEventPublisher(&fakeEventStore{}, &fakeBroadcaster{})
	assert.NotNil(t, publisher)
}

func TestEventPublisher_PublishTimelineCreated_PersistsAndBroadcasts(t *testing.T) {
	store := &fakeEventStore{}
	broadcaster := &fakeBroadcaster{}
	publisher := NewEventPublisher(store, broadcaster)

	err := publisher.PublishTimelineCreated(context.Background(), "sess-1", TimelineCreatedPayload{
		BasePayload: BasePayload{
			Type:      EventTypeTimelineCreated,
			SessionID: "sess-1",
			Timestamp: "2026-01-01T00:00:00Z",
		},
		EventID:   "evt-1",
		EventType: "llm_thinking",
		Status:    "streaming",
	})
	require.NoError(t, err)

	require.Len(t, store.appended, 1)
	assert.Equal(t, "sess-1", store.appended[0].sessionID)
	assert.Equal(t, SessionChannel("sess-1"), store.appended[0].channel)

	require.Len(t, broadcaster.broadcasts, 1)
	assert.Equal(t, SessionChannel("sess-1"), broadcaster.broadcasts[0].channel)
	assert.Contains(t, string(broadcaster.broadcasts[0].event), `"db_event_id":1`)
}

func TestEventPublisher_PublishStreamChunk_BroadcastOnlyNoPersistence(t *testing.T) {
	store := &fakeEventStore{}
	broadcaster := &fakeBroadcaster{}
	publisher := NewEventPublisher(store, broadcaster)

	err := publisher.PublishStreamChunk(context.Background(), "sess-1", StreamChunkPayload{
		BasePayload: BasePayload{Type: EventTypeStreamChunk, SessionID: "sess-1"},
		EventID:     "evt-1",
		Delta:       "token",
	})
	require.NoError(t, err)

	assert.Empty(t, store.appended, "stream chunks must not be durably persisted")
	require.Len(t, broadcaster.broadcasts, 1)
}

func TestEventPublisher_PublishSessionStatus_DualChannel(t *testing.T) {
	store := &fakeEventStore{}
	broadcaster := &fakeBroadcaster{}
	publisher := NewEventPublisher(store, broadcaster)

	err := publisher.PublishSessionStatus(context.Background(), "sess-1", SessionStatusPayload{
		BasePayload: BasePayload{Type: EventTypeSessionStatus, SessionID: "sess-1"},
		Status:      "completed",
	})
	require.NoError(t, err)

	require.Len(t, store.appended, 1, "only the session-channel copy is persisted")
	require.Len(t, broadcaster.broadcasts, 2, "both session and global channels are broadcast")

	channels := []string{broadcaster.broadcasts[0].channel, broadcaster.broadcasts[1].channel}
	assert.Contains(t, channels, SessionChannel("sess-1"))
	assert.Contains(t, channels, GlobalSessionsChannel)
}

func TestEventPublisher_PersistError_StillReturnsError(t *testing.T) {
	store := &fakeEventStore{err: assertErr}
	broadcaster := &fakeBroadcaster{}
	publisher := NewEventPublisher(store, broadcaster)

	err := publisher.PublishStageStatus(context.Background(), "sess-1", StageStatusPayload{
		BasePayload: BasePayload{Type: EventTypeStageStatus, SessionID: "sess-1"},
		Status:      StageStatusStarted,
	})
	require.Error(t, err)
	assert.Empty(t, broadcaster.broadcasts, "failed persistence should not broadcast")
}

var assertErr = errPersist{}

type errPersist struct{}

func (errPersist) Error() string { return "persist failed" }
