package session

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
)

// Session errors
var (
	ErrNoSession     = errors.New("event has no session id")
	ErrKeyMismatch   = errors.New("event does not belong to session")
	ErrSessionClosed = errors.New("session is closed")
)

// Event is a classified event as it appears inside a session
type Event struct {
	ID         string                 `json:"event_id"`
	UserID     string                 `json:"user_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	Name       string                 `json:"event_name"`
	EventType  classify.EventType     `json:"event_type"`
	ActionType classify.ActionType    `json:"action_type"`
	Label      string                 `json:"label"`
	PagePath   string                 `json:"page_path,omitempty"`
	PageTitle  string                 `json:"page_title,omitempty"`
	Element    string                 `json:"element_type,omitempty"`
	Text       string                 `json:"element_text,omitempty"`
	Hierarchy  *enrich.Hierarchy      `json:"hierarchy,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Less orders events by occurrence, then arrival, then id
func Less(a, b Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

// SortEvents sorts events chronologically in place
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// Key identifies a session
type Key struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Session is an ordered group of events sharing a user and session id
type Session struct {
	Key
	Events     []Event    `json:"events"`
	StartedAt  time.Time  `json:"started_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Stats are counters derived from a session's events
type Stats struct {
	EventCount     int
	PageViewsCount int
	ClicksCount    int
	FirstPage      string
	LastPage       string
}

// New creates an empty session for the key
func New(key Key) *Session {
	return &Session{Key: key}
}

// Closed reports whether the session stopped accepting new activity
func (s *Session) Closed() bool {
	return s.EndedAt != nil
}

// Duration is only known for closed sessions
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt), true
}

// Contains reports whether the event id is already part of the session
func (s *Session) Contains(eventID string) bool {
	for i := range s.Events {
		if s.Events[i].ID == eventID {
			return true
		}
	}
	return false
}

// Terminal returns the chronologically last event, or nil for an empty session
func (s *Session) Terminal() *Event {
	if len(s.Events) == 0 {
		return nil
	}
	return &s.Events[len(s.Events)-1]
}

// Stats computes counters from the event sequence
func (s *Session) Stats() Stats {
	var st Stats
	st.EventCount = len(s.Events)
	for _, e := range s.Events {
		switch e.EventType {
		case classify.EventTypePageview:
			st.PageViewsCount++
			if st.FirstPage == "" {
				st.FirstPage = e.PagePath
			}
			st.LastPage = e.PagePath
		case classify.EventTypeClick:
			st.ClicksCount++
		}
	}
	return st
}

// insert places the event at its chronological position and refreshes the bounds
func (s *Session) insert(e Event) {
	i := sort.Search(len(s.Events), func(i int) bool { return Less(e, s.Events[i]) })
	s.Events = append(s.Events, Event{})
	copy(s.Events[i+1:], s.Events[i:])
	s.Events[i] = e
	s.refreshBounds()
}

func (s *Session) refreshBounds() {
	if len(s.Events) == 0 {
		return
	}
	s.StartedAt = s.Events[0].OccurredAt
	s.LastSeenAt = s.Events[len(s.Events)-1].OccurredAt
	if s.EndedAt != nil && s.EndedAt.Before(s.LastSeenAt) {
		ended := s.LastSeenAt
		s.EndedAt = &ended
	}
}
