package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/metrics"
	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/repositories"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// ErrInvalidPayload is returned for webhook payloads that cannot be stored
var ErrInvalidPayload = errors.New("invalid event payload")

var validate = validator.New()

// PostHogEvent is a single event as delivered by the PostHog webhook
type PostHogEvent struct {
	UUID          string                 `json:"uuid" validate:"omitempty,uuid"`
	Event         string                 `json:"event" validate:"required"`
	DistinctID    string                 `json:"distinct_id" validate:"required"`
	Properties    map[string]interface{} `json:"properties"`
	Timestamp     string                 `json:"timestamp" validate:"required"`
	ElementsChain string                 `json:"elements_chain"`
}

// WebhookPayload is the body of POST /ingest
type WebhookPayload struct {
	Event PostHogEvent `json:"event"`
}

// IngestService appends incoming events to the processing queue
type IngestService struct {
	rawEvents *repositories.RawEventRepository
	tracer    tracing.Tracer
	now       func() time.Time
}

// NewIngestService creates a new ingest service
func NewIngestService(db *gorm.DB, readOnlyDB *gorm.DB, tracer tracing.Tracer) *IngestService {
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}
	return &IngestService{
		rawEvents: repositories.NewRawEventRepository(db, readOnlyDB),
		tracer:    tracer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the service's time source
func (s *IngestService) SetClock(now func() time.Time) {
	s.now = now
}

// Ingest stores the event as PENDING. created is false when an event with the
// same uuid was already stored.
func (s *IngestService) Ingest(ctx context.Context, payload WebhookPayload) (*models.RawEvent, bool, error) {
	txn := s.tracer.StartTransaction("IngestEvent")
	defer s.tracer.EndTransaction(txn)

	event, err := NewRawEvent(payload.Event)
	if err != nil {
		return nil, false, err
	}
	s.tracer.AddAttribute(txn, "user_id", event.UserID)

	created, err := s.rawEvents.Append(ctx, event, s.now())
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, false, err
	}
	metrics.RecordIngested(created)

	log.Info().
		Str("event_id", event.ID.String()).
		Str("user_id", event.UserID).
		Str("session_id", event.SessionID).
		Str("event_name", event.EventName).
		Bool("duplicate", !created).
		Msg("Event ingested")

	return event, created, nil
}

// NewRawEvent validates a webhook event and converts it to a queue row
func NewRawEvent(e PostHogEvent) (*models.RawEvent, error) {
	if err := validate.Struct(e); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}

	occurredAt, err := parseTimestamp(e.Timestamp)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}

	properties := e.Properties
	if properties == nil {
		properties = map[string]interface{}{}
	}
	data, err := json.Marshal(properties)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, "properties are not serializable")
	}

	event := &models.RawEvent{
		UserID:        e.DistinctID,
		EventName:     e.Event,
		Properties:    data,
		ElementsChain: e.ElementsChain,
		OccurredAt:    occurredAt,
	}
	if sessionID, ok := properties[enrich.PropertySessionID].(string); ok {
		event.SessionID = sessionID
	}
	if e.UUID != "" {
		event.ID = uuid.MustParse(e.UUID)
	}
	return event, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unsupported timestamp %q", value)
}
