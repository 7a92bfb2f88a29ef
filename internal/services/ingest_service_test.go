package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
)

func TestNewRawEventFromWebhook(t *testing.T) {
	id := uuid.New()
	event, err := NewRawEvent(PostHogEvent{
		UUID:          id.String(),
		Event:         "$autocapture",
		DistinctID:    "u1",
		Properties:    map[string]interface{}{"$session_id": "s1", "$event_type": "click"},
		Timestamp:     "2024-06-01T12:00:00.250+02:00",
		ElementsChain: `button:text="Buy"`,
	})
	require.NoError(t, err)

	assert.Equal(t, id, event.ID)
	assert.Equal(t, "u1", event.UserID)
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, "$autocapture", event.EventName)
	assert.Equal(t, `button:text="Buy"`, event.ElementsChain)
	assert.True(t, event.OccurredAt.Equal(time.Date(2024, 6, 1, 10, 0, 0, 250_000_000, time.UTC)))
	assert.Equal(t, time.UTC, event.OccurredAt.Location())

	var props map[string]interface{}
	require.NoError(t, json.Unmarshal(event.Properties, &props))
	assert.Equal(t, "click", props["$event_type"])
}

func TestNewRawEventRejectsInvalidPayloads(t *testing.T) {
	valid := PostHogEvent{Event: "$pageview", DistinctID: "u1", Timestamp: "2024-06-01T10:00:00Z"}

	tests := []struct {
		name   string
		mutate func(e *PostHogEvent)
	}{
		{"missing event name", func(e *PostHogEvent) { e.Event = "" }},
		{"missing distinct id", func(e *PostHogEvent) { e.DistinctID = "" }},
		{"missing timestamp", func(e *PostHogEvent) { e.Timestamp = "" }},
		{"unparseable timestamp", func(e *PostHogEvent) { e.Timestamp = "yesterday" }},
		{"malformed uuid", func(e *PostHogEvent) { e.UUID = "not-a-uuid" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			_, err := NewRawEvent(e)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestNewRawEventWithoutSession(t *testing.T) {
	event, err := NewRawEvent(PostHogEvent{Event: "signup", DistinctID: "u1", Timestamp: "2024-06-01T10:00:00Z"})
	require.NoError(t, err)
	assert.Empty(t, event.SessionID)
	assert.Equal(t, uuid.Nil, event.ID)
	assert.JSONEq(t, `{}`, string(event.Properties))
}

func TestIngestRedeliveryIsIgnored(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(db, db, nil)
	svc.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	payload := WebhookPayload{Event: PostHogEvent{
		UUID:       uuid.NewString(),
		Event:      "$pageview",
		DistinctID: "u1",
		Properties: map[string]interface{}{"$session_id": "s1"},
		Timestamp:  "2024-06-01T10:00:00Z",
	}}

	first, created, err := svc.Ingest(ctx, payload)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.True(t, first.ReceivedAt.Equal(t0))

	_, created, err = svc.Ingest(ctx, payload)
	require.NoError(t, err)
	assert.False(t, created)

	counts, err := NewEventService(db, db, nil).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.StatusPending])
}
