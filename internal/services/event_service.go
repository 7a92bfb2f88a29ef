package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/repositories"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ErrInvalidStatus is returned when listing by an unknown status
var ErrInvalidStatus = errors.New("invalid event status")

// EventStatusView is the operator view of one raw event
type EventStatusView struct {
	Event    models.RawEvent       `json:"event"`
	Enriched *models.EnrichedEvent `json:"enriched,omitempty"`
}

// EventService exposes queue inspection and replay to operators
type EventService struct {
	rawEvents *repositories.RawEventRepository
	enriched  *repositories.EnrichedEventRepository
	tracer    tracing.Tracer
}

// NewEventService creates a new event service
func NewEventService(db *gorm.DB, readOnlyDB *gorm.DB, tracer tracing.Tracer) *EventService {
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}
	return &EventService{
		rawEvents: repositories.NewRawEventRepository(db, readOnlyDB),
		enriched:  repositories.NewEnrichedEventRepository(db, readOnlyDB),
		tracer:    tracer,
	}
}

// Stats returns the number of events per status
func (s *EventService) Stats(ctx context.Context) (map[models.EventStatus]int64, error) {
	return s.rawEvents.CountByStatus(ctx)
}

// List returns events in a status. A non-positive limit uses the default.
func (s *EventService) List(ctx context.Context, status string, limit int) ([]models.RawEvent, error) {
	st, err := models.ParseStatus(strings.ToUpper(status))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidStatus, err.Error())
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.rawEvents.ListByStatus(ctx, st, limit)
}

// Get returns an event and, once enriched, its enriched form
func (s *EventService) Get(ctx context.Context, id string) (*EventStatusView, error) {
	eventID, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(repositories.ErrNotFound, "invalid event id %q", id)
	}

	event, err := s.rawEvents.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	view := &EventStatusView{Event: *event}
	enriched, err := s.enriched.GetByRawEventID(ctx, eventID)
	switch {
	case err == nil:
		view.Enriched = enriched
	case errors.Is(err, repositories.ErrNotFound):
	default:
		return nil, err
	}
	return view, nil
}

// Replay returns an ENRICHED or DEAD_LETTER event to the queue
func (s *EventService) Replay(ctx context.Context, id string) (*models.RawEvent, error) {
	txn := s.tracer.StartTransaction("ReplayEvent")
	defer s.tracer.EndTransaction(txn)

	eventID, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(repositories.ErrNotFound, "invalid event id %q", id)
	}

	event, err := s.rawEvents.Replay(ctx, eventID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	log.Info().Str("event_id", id).Str("user_id", event.UserID).Msg("Event replayed")
	return event, nil
}
