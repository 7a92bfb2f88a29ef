package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

// EnrichedEventRepository provides access to enriched events
type EnrichedEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEnrichedEventRepository creates a new repository
func NewEnrichedEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EnrichedEventRepository {
	return &EnrichedEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// WithTx returns a repository bound to the transaction
func (r *EnrichedEventRepository) WithTx(tx *gorm.DB) *EnrichedEventRepository {
	return &EnrichedEventRepository{db: tx, readOnlyDB: tx}
}

// Upsert stores the enriched form of a raw event. Reprocessing the same raw
// event replaces the derived columns instead of adding a row.
func (r *EnrichedEventRepository) Upsert(ctx context.Context, event *models.EnrichedEvent) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "raw_event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"session_id", "event_name", "event_type", "action_type", "label",
				"page_path", "page_title", "element_type", "element_text",
				"hierarchy", "context", "occurred_at", "received_at",
			}),
		}).
		Create(event).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert enriched event")
	}
	return nil
}

// ListBySession returns a session's events in storage order
func (r *EnrichedEventRepository) ListBySession(ctx context.Context, userID, sessionID string) ([]models.EnrichedEvent, error) {
	var events []models.EnrichedEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("occurred_at ASC, received_at ASC, raw_event_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list session events")
	}
	return events, nil
}

// ListRecentByUser returns the user's most recent events across all sessions,
// including events kept outside any session, newest first
func (r *EnrichedEventRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]models.EnrichedEvent, error) {
	var events []models.EnrichedEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("occurred_at DESC, received_at DESC, raw_event_id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent events")
	}
	return events, nil
}

// GetByRawEventID returns the enriched form of a raw event
func (r *EnrichedEventRepository) GetByRawEventID(ctx context.Context, rawEventID uuid.UUID) (*models.EnrichedEvent, error) {
	var event models.EnrichedEvent
	if err := r.readOnlyDB.WithContext(ctx).First(&event, "raw_event_id = ?", rawEventID).Error; err != nil {
		return nil, wrapNotFound(err, "failed to get enriched event")
	}
	return &event, nil
}

// CountByUser counts a user's enriched events
func (r *EnrichedEventRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).Model(&models.EnrichedEvent{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count enriched events")
	}
	return count, nil
}

// NewEnrichedEvent builds the row for a session event
func NewEnrichedEvent(e session.Event) (*models.EnrichedEvent, error) {
	rawID, err := uuid.Parse(e.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid event id %q", e.ID)
	}

	var hierarchy []byte
	if e.Hierarchy != nil {
		if hierarchy, err = json.Marshal(e.Hierarchy); err != nil {
			return nil, errors.Wrap(err, "failed to marshal hierarchy")
		}
	}
	ctx, err := json.Marshal(e.Context)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event context")
	}

	return &models.EnrichedEvent{
		RawEventID:  rawID,
		UserID:      e.UserID,
		SessionID:   e.SessionID,
		EventName:   e.Name,
		EventType:   string(e.EventType),
		ActionType:  string(e.ActionType),
		Label:       e.Label,
		PagePath:    e.PagePath,
		PageTitle:   e.PageTitle,
		ElementType: e.Element,
		ElementText: e.Text,
		Hierarchy:   hierarchy,
		Context:     ctx,
		OccurredAt:  e.OccurredAt,
		ReceivedAt:  e.ReceivedAt,
	}, nil
}

// ToSessionEvent converts a stored row back into a session event
func ToSessionEvent(m models.EnrichedEvent) (session.Event, error) {
	e := session.Event{
		ID:         m.RawEventID.String(),
		UserID:     m.UserID,
		SessionID:  m.SessionID,
		Name:       m.EventName,
		EventType:  classify.EventType(m.EventType),
		ActionType: classify.ActionType(m.ActionType),
		Label:      m.Label,
		PagePath:   m.PagePath,
		PageTitle:  m.PageTitle,
		Element:    m.ElementType,
		Text:       m.ElementText,
		OccurredAt: m.OccurredAt.UTC(),
		ReceivedAt: m.ReceivedAt.UTC(),
	}
	if len(m.Hierarchy) > 0 {
		e.Hierarchy = &enrich.Hierarchy{}
		if err := json.Unmarshal(m.Hierarchy, e.Hierarchy); err != nil {
			return session.Event{}, errors.Wrapf(err, "invalid hierarchy for event %s", e.ID)
		}
	}
	if len(m.Context) > 0 {
		if err := json.Unmarshal(m.Context, &e.Context); err != nil {
			return session.Event{}, errors.Wrapf(err, "invalid context for event %s", e.ID)
		}
	}
	return e, nil
}

// ToSessionEvents converts stored rows in order
func ToSessionEvents(rows []models.EnrichedEvent) ([]session.Event, error) {
	events := make([]session.Event, 0, len(rows))
	for _, row := range rows {
		e, err := ToSessionEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
