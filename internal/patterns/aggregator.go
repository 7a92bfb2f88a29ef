package patterns

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

// Aggregation defaults
const (
	DefaultRecentEventsLimit   = 20
	DefaultPagesInSummaryLimit = 3
)

// ErrUnknownRule is returned for a threshold naming no known heuristic
var ErrUnknownRule = errors.New("unknown pattern rule")

// Summary is the derived behavioral view of one user
type Summary struct {
	UserID             string          `json:"user_id"`
	RecentEvents       []session.Event `json:"recent_events"`
	LastSessionID      string          `json:"last_session_id,omitempty"`
	LastSessionSummary string          `json:"last_session_summary"`
	Patterns           []Pattern       `json:"patterns"`
	// ComputedAt is the time of the newest activity reflected: the latest
	// event or session end. It is the clock time only when there is none.
	ComputedAt time.Time `json:"computed_at"`
}

// Config configures an Aggregator
type Config struct {
	RecentEventsLimit   int
	PagesInSummaryLimit int
	// Thresholds override rule count thresholds by rule name
	Thresholds map[string]int
	// Rules defaults to DefaultRules
	Rules []Rule
	Now   func() time.Time
}

// Aggregator derives summaries from a user's session history
type Aggregator struct {
	recentLimit int
	pagesLimit  int
	rules       []Rule
	now         func() time.Time
}

// NewAggregator creates an aggregator, applying threshold overrides to the rules
func NewAggregator(cfg Config) (*Aggregator, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	index := make(map[string]int, len(rules))
	out := make([]Rule, len(rules))
	for i, r := range rules {
		index[r.Name] = i
		out[i] = r
	}
	for name, threshold := range cfg.Thresholds {
		i, ok := index[name]
		if !ok {
			return nil, errors.Wrap(ErrUnknownRule, name)
		}
		if threshold < 1 {
			return nil, errors.Errorf("threshold for %s must be positive, got %d", name, threshold)
		}
		out[i] = out[i].WithThreshold(threshold)
	}

	a := &Aggregator{
		recentLimit: cfg.RecentEventsLimit,
		pagesLimit:  cfg.PagesInSummaryLimit,
		rules:       out,
		now:         cfg.Now,
	}
	if a.recentLimit <= 0 {
		a.recentLimit = DefaultRecentEventsLimit
	}
	if a.pagesLimit <= 0 {
		a.pagesLimit = DefaultPagesInSummaryLimit
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// Summarize recomputes the user's summary. Patterns and the session summary
// come from sessions; recent holds the user's latest events across all of
// their sessions, including events kept outside any session.
func (a *Aggregator) Summarize(userID string, sessions []*session.Session, recent []session.Event) Summary {
	ordered := newestFirst(sessions)

	summary := Summary{
		UserID:       userID,
		RecentEvents: a.recentEvents(ordered, recent),
		Patterns:     a.detect(ordered),
	}
	summary.ComputedAt = a.asOf(ordered, summary.RecentEvents)
	if len(ordered) > 0 {
		summary.LastSessionID = ordered[0].SessionID
		summary.LastSessionSummary = a.describe(ordered[0])
	}
	return summary
}

// Detect evaluates every rule against one session
func (a *Aggregator) Detect(s *session.Session) []Pattern {
	var found []Pattern
	for _, r := range a.rules {
		evidence, ok := r.Evaluate(s)
		if !ok {
			continue
		}
		found = append(found, Pattern{
			Name:        r.Name,
			Description: r.Description,
			Severity:    r.Severity,
			SessionID:   s.SessionID,
			Evidence:    evidence,
		})
	}
	return found
}

func (a *Aggregator) detect(sessions []*session.Session) []Pattern {
	found := []Pattern{}
	for _, s := range sessions {
		found = append(found, a.Detect(s)...)
	}
	return found
}

// asOf returns the newest event or session end, or the clock when there is neither
func (a *Aggregator) asOf(sessions []*session.Session, recent []session.Event) time.Time {
	var latest time.Time
	for _, e := range recent {
		if e.OccurredAt.After(latest) {
			latest = e.OccurredAt
		}
	}
	for _, s := range sessions {
		if s.LastSeenAt.After(latest) {
			latest = s.LastSeenAt
		}
		if s.EndedAt != nil && s.EndedAt.After(latest) {
			latest = *s.EndedAt
		}
	}
	if latest.IsZero() {
		return a.now()
	}
	return latest.UTC()
}

func (a *Aggregator) recentEvents(sessions []*session.Session, recent []session.Event) []session.Event {
	seen := make(map[string]bool)
	var all []session.Event
	add := func(e session.Event) {
		if seen[e.ID] {
			return
		}
		seen[e.ID] = true
		all = append(all, e)
	}
	for _, s := range sessions {
		for _, e := range s.Events {
			add(e)
		}
	}
	for _, e := range recent {
		add(e)
	}

	session.SortEvents(all)
	if len(all) > a.recentLimit {
		all = all[len(all)-a.recentLimit:]
	}

	recent = make([]session.Event, len(all))
	for i, e := range all {
		recent[len(all)-1-i] = e
	}
	return recent
}

// describe renders the templated summary of a session
func (a *Aggregator) describe(s *session.Session) string {
	if len(s.Events) == 0 {
		return "No activity recorded."
	}

	var pageViews, clicks, rageClicks, custom int
	var pages []string
	seenPages := make(map[string]bool)
	for _, e := range s.Events {
		switch e.EventType {
		case classify.EventTypePageview:
			pageViews++
			if e.PageTitle != "" && !seenPages[e.PageTitle] && len(pages) < a.pagesLimit {
				seenPages[e.PageTitle] = true
				pages = append(pages, e.PageTitle)
			}
		case classify.EventTypeClick:
			clicks++
		case classify.EventTypeCustom:
			custom++
		}
		if e.ActionType == classify.ActionRageClick {
			rageClicks++
		}
	}

	var parts []string
	if pageViews > 0 {
		part := fmt.Sprintf("Viewed %s", plural(pageViews, "page"))
		if len(pages) > 0 {
			part += " including " + strings.Join(pages, ", ")
		}
		parts = append(parts, part)
	}
	if clicks > 0 {
		parts = append(parts, fmt.Sprintf("Clicked %s", plural(clicks, "time")))
	}
	if rageClicks > 0 {
		parts = append(parts, fmt.Sprintf("Rage-clicked %s (frustration detected)", plural(rageClicks, "time")))
	}
	if custom > 0 {
		parts = append(parts, fmt.Sprintf("Triggered %s", plural(custom, "custom event")))
	}
	if len(parts) == 0 {
		parts = append(parts, "No significant activity")
	}

	if last := s.Terminal(); last.Label != "" {
		parts = append(parts, "Last action: "+last.Label)
	}
	if s.Closed() {
		parts = append(parts, "Session ended")
	} else {
		parts = append(parts, "Session in progress")
	}

	return strings.Join(parts, ". ") + "."
}

// newestFirst orders sessions by last activity, most recent first
func newestFirst(sessions []*session.Session) []*session.Session {
	out := make([]*session.Session, 0, len(sessions))
	for _, s := range sessions {
		if s != nil && len(s.Events) > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].SessionID > out[j].SessionID
	})
	return out
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
