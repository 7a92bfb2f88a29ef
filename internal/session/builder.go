package session

import (
	"time"

	"github.com/pkg/errors"
)

// Builder groups classified events into sessions and decides when a session ends
type Builder struct {
	inactivityGap time.Duration
}

// NewBuilder creates a builder. A zero inactivity gap disables idle closure.
func NewBuilder(inactivityGap time.Duration) *Builder {
	return &Builder{inactivityGap: inactivityGap}
}

// InactivityGap returns the configured idle closure gap
func (b *Builder) InactivityGap() time.Duration {
	return b.inactivityGap
}

// Ingest adds an event to its session. A nil session starts a new one keyed by
// the event. Re-ingesting an event id already in the session returns the session
// unchanged. Events that occur after a closed session ended are rejected with
// ErrSessionClosed.
func (b *Builder) Ingest(s *Session, e Event) (*Session, error) {
	if e.SessionID == "" {
		return s, ErrNoSession
	}

	key := Key{UserID: e.UserID, SessionID: e.SessionID}
	if s == nil {
		s = New(key)
	} else if s.Key != key {
		return s, errors.Wrapf(ErrKeyMismatch, "event %s for %s/%s", e.ID, key.UserID, key.SessionID)
	}

	if s.Contains(e.ID) {
		return s, nil
	}

	if s.EndedAt != nil && e.OccurredAt.After(*s.EndedAt) {
		return s, errors.Wrapf(ErrSessionClosed, "event %s after %s", e.ID, s.EndedAt.Format(time.RFC3339))
	}

	s.insert(e)
	return s, nil
}

// Rebuild reconstructs a session from stored events in any order
func (b *Builder) Rebuild(key Key, events []Event, endedAt *time.Time) *Session {
	s := New(key)
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		s.Events = append(s.Events, e)
	}
	SortEvents(s.Events)
	if endedAt != nil {
		ended := *endedAt
		s.EndedAt = &ended
	}
	s.refreshBounds()
	return s
}

// IdleCutoff is the last_seen_at before which an open session counts as idle at now
func (b *Builder) IdleCutoff(now time.Time) (time.Time, bool) {
	if b.inactivityGap <= 0 {
		return time.Time{}, false
	}
	return now.Add(-b.inactivityGap), true
}

// CloseIfIdle ends an open session that saw no activity for the inactivity gap.
// The end is placed one gap after the last activity.
func (b *Builder) CloseIfIdle(s *Session, now time.Time) bool {
	if s.Closed() || len(s.Events) == 0 || b.inactivityGap <= 0 {
		return false
	}
	if now.Sub(s.LastSeenAt) < b.inactivityGap {
		return false
	}
	s.Close(s.LastSeenAt.Add(b.inactivityGap))
	return true
}

// Close ends the session at the given time, never before its last activity.
// Closing an already closed session is a no-op.
func (s *Session) Close(at time.Time) {
	if s.EndedAt != nil {
		return
	}
	if at.Before(s.LastSeenAt) {
		at = s.LastSeenAt
	}
	s.EndedAt = &at
}

// Supersede closes s when a newer session for the same user started at next
func Supersede(s *Session, next time.Time) bool {
	if s.Closed() || len(s.Events) == 0 || !s.StartedAt.Before(next) {
		return false
	}
	s.Close(next)
	return true
}
