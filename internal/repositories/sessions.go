package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

// SessionRepository provides access to session metadata
type SessionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *SessionRepository {
	return &SessionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// WithTx returns a repository bound to the transaction
func (r *SessionRepository) WithTx(tx *gorm.DB) *SessionRepository {
	return &SessionRepository{db: tx, readOnlyDB: tx}
}

// Get returns the session row for a key
func (r *SessionRepository) Get(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		First(&s).Error
	if err != nil {
		return nil, wrapNotFound(err, "failed to get session")
	}
	return &s, nil
}

// Save inserts or updates the row for the session key
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"started_at", "last_seen_at", "ended_at", "active",
				"event_count", "page_views_count", "clicks_count",
				"first_page", "last_page", "updated_at",
			}),
		}).
		Create(s).Error
	if err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

// ListOpenByUser returns the user's sessions that have not ended
func (r *SessionRepository) ListOpenByUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("started_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open sessions")
	}
	return sessions, nil
}

// ListRecentByUser returns the user's sessions with the latest activity first
func (r *SessionRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC, started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent sessions")
	}
	return sessions, nil
}

// ListIdle returns open sessions with no activity since cutoff
func (r *SessionRepository) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := r.readOnlyDB.WithContext(ctx).
		Where("active = ? AND last_seen_at < ?", true, cutoff).
		Order("last_seen_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list idle sessions")
	}
	return sessions, nil
}

// Close ends an open session row. It reports false when the row was already closed.
func (r *SessionRepository) Close(ctx context.Context, userID, sessionID string, endedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND session_id = ? AND active = ?", userID, sessionID, true).
		Updates(map[string]interface{}{"ended_at": endedAt, "active": false})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to close session")
	}
	return res.RowsAffected == 1, nil
}

// ToSessionModel copies the session bounds and counters onto a row
func ToSessionModel(s *session.Session) *models.Session {
	st := s.Stats()
	m := &models.Session{
		UserID:         s.UserID,
		SessionID:      s.SessionID,
		StartedAt:      s.StartedAt,
		LastSeenAt:     s.LastSeenAt,
		Active:         !s.Closed(),
		EventCount:     st.EventCount,
		PageViewsCount: st.PageViewsCount,
		ClicksCount:    st.ClicksCount,
		FirstPage:      st.FirstPage,
		LastPage:       st.LastPage,
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		m.EndedAt = &ended
	}
	return m
}
