package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventStatus is the processing state of a raw event
type EventStatus string

// Processing states
const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusEnriched   EventStatus = "ENRICHED"
	StatusFailed     EventStatus = "FAILED"
	StatusDeadLetter EventStatus = "DEAD_LETTER"
)

// Statuses lists every processing state
var Statuses = []EventStatus{StatusPending, StatusProcessing, StatusEnriched, StatusFailed, StatusDeadLetter}

// ParseStatus validates a status name
func ParseStatus(s string) (EventStatus, error) {
	for _, status := range Statuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", errors.Errorf("unknown event status %q", s)
}

// Terminal reports whether the state is never left without operator action
func (s EventStatus) Terminal() bool {
	return s == StatusEnriched || s == StatusDeadLetter
}

// RawEvent is an ingested event as received, plus its processing state.
// Only the status columns change after insert.
type RawEvent struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string      `gorm:"not null;index" json:"user_id"`
	SessionID     string      `gorm:"index" json:"session_id,omitempty"`
	EventName     string      `gorm:"not null" json:"event_name"`
	Properties    []byte      `gorm:"type:jsonb" json:"properties"`
	ElementsChain string      `json:"elements_chain,omitempty"`
	OccurredAt    time.Time   `gorm:"not null" json:"occurred_at"`
	ReceivedAt    time.Time   `gorm:"not null;index:idx_raw_events_queue,priority:3" json:"received_at"`
	Status        EventStatus `gorm:"type:varchar(16);not null;index:idx_raw_events_queue,priority:1" json:"status"`
	NextAttemptAt *time.Time  `gorm:"index:idx_raw_events_queue,priority:2" json:"next_attempt_at,omitempty"`
	AttemptCount  int         `gorm:"not null;default:0" json:"attempt_count"`
	Version       int         `gorm:"not null;default:0" json:"version"`
	ClaimedBy     string      `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time  `json:"claimed_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnrichedEvent is the classified, labelled projection of one raw event
type EnrichedEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RawEventID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"raw_event_id"`
	UserID      string    `gorm:"not null;index:idx_enriched_user_time,priority:1" json:"user_id"`
	SessionID   string    `gorm:"index" json:"session_id,omitempty"`
	EventName   string    `gorm:"not null" json:"event_name"`
	EventType   string    `gorm:"type:varchar(32);not null" json:"event_type"`
	ActionType  string    `gorm:"type:varchar(32);not null" json:"action_type"`
	Label       string    `json:"label"`
	PagePath    string    `json:"page_path,omitempty"`
	PageTitle   string    `json:"page_title,omitempty"`
	ElementType string    `json:"element_type,omitempty"`
	ElementText string    `json:"element_text,omitempty"`
	Hierarchy   []byte    `gorm:"type:jsonb" json:"hierarchy,omitempty"`
	Context     []byte    `gorm:"type:jsonb" json:"context,omitempty"`
	OccurredAt  time.Time `gorm:"not null;index:idx_enriched_user_time,priority:2" json:"occurred_at"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Session holds the metadata of a (user_id, session_id) group. Its events
// live in enriched_events.
type Session struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string     `gorm:"not null;uniqueIndex:idx_sessions_key,priority:1;index:idx_sessions_activity,priority:1" json:"user_id"`
	SessionID      string     `gorm:"not null;uniqueIndex:idx_sessions_key,priority:2" json:"session_id"`
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	LastSeenAt     time.Time  `gorm:"not null;index:idx_sessions_activity,priority:2" json:"last_seen_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Active         bool       `gorm:"not null;index" json:"active"`
	EventCount     int        `gorm:"not null" json:"event_count"`
	PageViewsCount int        `gorm:"not null" json:"page_views_count"`
	ClicksCount    int        `gorm:"not null" json:"clicks_count"`
	FirstPage      string     `json:"first_page,omitempty"`
	LastPage       string     `json:"last_page,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserSummary stores the latest computed summary of a user. The row doubles
// as the per-user write lock during processing.
type UserSummary struct {
	UserID     string     `gorm:"primaryKey" json:"user_id"`
	Payload    []byte     `gorm:"type:jsonb" json:"payload"`
	HasData    bool       `gorm:"not null" json:"has_data"`
	Version    int        `gorm:"not null;default:0" json:"version"`
	ComputedAt *time.Time `json:"computed_at,omitempty"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns an id when none was provided
func (e *RawEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an id when none was provided
func (e *EnrichedEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an id when none was provided
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SetupModels runs the schema migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&RawEvent{},
		&EnrichedEvent{},
		&Session{},
		&UserSummary{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
