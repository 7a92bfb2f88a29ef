package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/internal/cache"
	"github.com/DanielKusyDev/posthog-session-insights/internal/metrics"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
	"github.com/DanielKusyDev/posthog-session-insights/internal/repositories"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// ErrInvalidUserID is returned for an empty user id
var ErrInvalidUserID = errors.New("user id is required")

// ContextEvent is one entry of a user's recent activity
type ContextEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ActionType string    `json:"action_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Label      string    `json:"label"`
	PagePath   string    `json:"page_path,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
}

// UserContext is the behavioral context served to consumers
type UserContext struct {
	UserID             string             `json:"user_id"`
	HasData            bool               `json:"has_data"`
	RecentEvents       []ContextEvent     `json:"recent_events"`
	LastSessionSummary string             `json:"last_session_summary"`
	Patterns           []patterns.Pattern `json:"patterns"`
	ComputedAt         *time.Time         `json:"computed_at,omitempty"`
}

// NewUserContext builds the context of a computed summary
func NewUserContext(summary patterns.Summary) UserContext {
	events := make([]ContextEvent, 0, len(summary.RecentEvents))
	for _, e := range summary.RecentEvents {
		events = append(events, ContextEvent{
			EventID:    e.ID,
			EventType:  string(e.EventType),
			ActionType: string(e.ActionType),
			OccurredAt: e.OccurredAt,
			Label:      e.Label,
			PagePath:   e.PagePath,
			SessionID:  e.SessionID,
		})
	}

	found := summary.Patterns
	if found == nil {
		found = []patterns.Pattern{}
	}

	computedAt := summary.ComputedAt
	return UserContext{
		UserID:             summary.UserID,
		HasData:            true,
		RecentEvents:       events,
		LastSessionSummary: summary.LastSessionSummary,
		Patterns:           found,
		ComputedAt:         &computedAt,
	}
}

// EmptyUserContext is the result for a user without enriched events
func EmptyUserContext(userID string) UserContext {
	return UserContext{
		UserID:       userID,
		HasData:      false,
		RecentEvents: []ContextEvent{},
		Patterns:     []patterns.Pattern{},
	}
}

// ContextService assembles user context from the latest committed summary
type ContextService struct {
	summaries *repositories.SummaryRepository
	cache     Cache
	tracer    tracing.Tracer
}

// NewContextService creates a context service reading from readOnlyDB
func NewContextService(readOnlyDB *gorm.DB, cache Cache, tracer tracing.Tracer) *ContextService {
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}
	return &ContextService{
		summaries: repositories.NewSummaryRepository(readOnlyDB, readOnlyDB),
		cache:     cache,
		tracer:    tracer,
	}
}

// GetContext returns the user's context. It never triggers enrichment; users
// without a computed summary get an explicit no-data result.
func (s *ContextService) GetContext(ctx context.Context, userID string) (UserContext, error) {
	if userID == "" {
		return UserContext{}, ErrInvalidUserID
	}

	txn := s.tracer.StartTransaction("GetContext")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "user_id", userID)

	key := cache.ContextKey(userID)
	if s.cache != nil {
		var cached UserContext
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			metrics.RecordContextRequest("cache")
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrCacheDisabled) {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read cached context")
		}
	}

	span := s.tracer.StartSpan("LoadSummary", txn)
	summary, ok, err := s.summaries.Get(ctx, userID)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return UserContext{}, errors.Wrap(err, "failed to load user summary")
	}
	if !ok {
		metrics.RecordContextRequest("empty")
		return EmptyUserContext(userID), nil
	}

	result := NewUserContext(summary)
	metrics.RecordContextRequest("store")

	// The processor overwrites the key on every commit, readers only fill gaps
	if s.cache != nil {
		if _, err := s.cache.SetNX(ctx, key, result); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to cache context")
		}
	}
	return result, nil
}
