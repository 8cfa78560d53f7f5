package events

import (
	"context"
)

// eventQuerier abstracts the event query method needed by EventServiceAdapter.
// Implemented by history.Repository.
type eventQuerier interface {
	GetEventsSince(ctx context.Context, channel string, sinceID, limit int) ([]EventRecord, error)
}

// EventRecord is a durably persisted event, as returned by history.Repository.
// Duplicated here (rather than importing pkg/models) to keep pkg/events free
// of a dependency on the repository's storage model.
type EventRecord struct {
	ID      int
	Payload map[string]any
}

// EventServiceAdapter wraps an eventQuerier to implement CatchupQuerier.
type EventServiceAdapter struct {
	querier eventQuerier
}

// NewEventServiceAdapter creates a CatchupQuerier from a history repository.
func NewEventServiceAdapter(es eventQuerier) *EventServiceAdapter {
	return &EventServiceAdapter{querier: es}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup mechanism.
func (a *EventServiceAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	records, err := a.querier.GetEventsSince(ctx, channel, sinceID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(records))
	for i, rec := range records {
		result[i] = CatchupEvent{
			ID:      rec.ID,
			Payload: rec.Payload,
		}
	}
	return result, nil
}
