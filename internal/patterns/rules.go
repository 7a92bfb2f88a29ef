package patterns

import (
	"sort"
	"strings"
	"time"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

// Severity ranks how much attention a pattern deserves
type Severity string

// Severity levels
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Pattern is a named observation detected in one session
type Pattern struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	SessionID   string   `json:"session_id"`
	Evidence    []string `json:"evidence"`
}

// EventFilter selects events. Zero-valued fields do not constrain.
type EventFilter struct {
	EventType      classify.EventType
	ActionType     classify.ActionType
	PagePathPrefix string
	PagePathEquals string
	// LabelContainsAny matches when the label contains any of the terms, case-insensitively
	LabelContainsAny []string
}

// Match reports whether the event passes every set constraint
func (f EventFilter) Match(e session.Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.PagePathPrefix != "" && !strings.HasPrefix(e.PagePath, f.PagePathPrefix) {
		return false
	}
	if f.PagePathEquals != "" && e.PagePath != f.PagePathEquals {
		return false
	}
	if len(f.LabelContainsAny) > 0 {
		label := strings.ToLower(e.Label)
		found := false
		for _, term := range f.LabelContainsAny {
			if strings.Contains(label, strings.ToLower(term)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f EventFilter) apply(events []session.Event) []session.Event {
	var out []session.Event
	for _, e := range events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// SessionFilter constrains session metadata. Zero-valued fields do not constrain.
// Duration bounds only match ended sessions.
type SessionFilter struct {
	MinDuration  time.Duration
	MaxDuration  time.Duration
	MinEvents    int
	MaxEvents    int
	MinPageViews int
	MaxPageViews int
}

// Match reports whether the session passes every set constraint
func (f SessionFilter) Match(s *session.Session) bool {
	if f.MinDuration > 0 || f.MaxDuration > 0 {
		d, ok := s.Duration()
		if !ok {
			return false
		}
		if f.MinDuration > 0 && d < f.MinDuration {
			return false
		}
		if f.MaxDuration > 0 && d > f.MaxDuration {
			return false
		}
	}

	st := s.Stats()
	if f.MinEvents > 0 && st.EventCount < f.MinEvents {
		return false
	}
	if f.MaxEvents > 0 && st.EventCount > f.MaxEvents {
		return false
	}
	if f.MinPageViews > 0 && st.PageViewsCount < f.MinPageViews {
		return false
	}
	if f.MaxPageViews > 0 && st.PageViewsCount > f.MaxPageViews {
		return false
	}
	return true
}

// Rule is one heuristic. A rule matches a session when the session filter
// passes and at least MinCount events pass Filter, optionally within
// TimeWindow of each other, with no event passing Negative. With a
// NegativeWindow only negatives within that window after the last positive count.
type Rule struct {
	Name        string
	Description string
	Severity    Severity

	Filter *EventFilter
	// GroupByPage requires the positives to share one page path
	GroupByPage bool
	MinCount    int
	TimeWindow  time.Duration

	Negative       *EventFilter
	NegativeWindow time.Duration

	Session *SessionFilter
}

// Evaluate returns the evidence event ids and whether the rule matched
func (r Rule) Evaluate(s *session.Session) ([]string, bool) {
	if len(s.Events) == 0 {
		return nil, false
	}
	if r.Session != nil && !r.Session.Match(s) {
		return nil, false
	}

	if r.Filter == nil {
		return sessionEvidence(s), true
	}

	positives := r.Filter.apply(s.Events)
	if r.GroupByPage {
		positives = largestPageGroup(positives)
	}
	if r.TimeWindow > 0 {
		positives = densestWindow(positives, r.TimeWindow)
	}

	minCount := r.MinCount
	if minCount < 1 {
		minCount = 1
	}
	if len(positives) < minCount {
		return nil, false
	}

	if r.Negative != nil {
		last := positives[len(positives)-1].OccurredAt
		for _, e := range r.Negative.apply(s.Events) {
			if r.NegativeWindow <= 0 {
				return nil, false
			}
			if !e.OccurredAt.Before(last) && !e.OccurredAt.After(last.Add(r.NegativeWindow)) {
				return nil, false
			}
		}
	}

	evidence := make([]string, 0, len(positives))
	for _, e := range positives {
		evidence = append(evidence, e.ID)
	}
	return evidence, true
}

// WithThreshold returns a copy of the rule with its count threshold replaced.
// For session-only rules the bounding event count is replaced.
func (r Rule) WithThreshold(n int) Rule {
	switch {
	case r.Filter != nil:
		r.MinCount = n
	case r.Session != nil:
		sf := *r.Session
		if sf.MinEvents > 0 {
			sf.MinEvents = n
		} else {
			sf.MaxEvents = n
		}
		r.Session = &sf
	}
	return r
}

// sessionEvidence names the first and terminal events of the session
func sessionEvidence(s *session.Session) []string {
	first := s.Events[0].ID
	last := s.Terminal().ID
	if first == last {
		return []string{first}
	}
	return []string{first, last}
}

// largestPageGroup keeps the events of the most frequent page path, earliest path on ties
func largestPageGroup(events []session.Event) []session.Event {
	groups := make(map[string][]session.Event)
	var order []string
	for _, e := range events {
		if _, ok := groups[e.PagePath]; !ok {
			order = append(order, e.PagePath)
		}
		groups[e.PagePath] = append(groups[e.PagePath], e)
	}

	var best []session.Event
	for _, path := range order {
		if len(groups[path]) > len(best) {
			best = groups[path]
		}
	}
	return best
}

// densestWindow returns the largest run of chronologically ordered events spanning
// at most window, earliest run on ties
func densestWindow(events []session.Event, window time.Duration) []session.Event {
	if len(events) == 0 {
		return nil
	}
	sorted := append([]session.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return session.Less(sorted[i], sorted[j]) })

	bestStart, bestLen := 0, 0
	start := 0
	for end := range sorted {
		for sorted[end].OccurredAt.Sub(sorted[start].OccurredAt) > window {
			start++
		}
		if n := end - start + 1; n > bestLen {
			bestStart, bestLen = start, n
		}
	}
	return sorted[bestStart : bestStart+bestLen]
}

// DefaultRules is the closed set of heuristics, in evaluation order
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "repeated_page_no_completion",
			Description: "Viewed the same page repeatedly without submitting anything",
			Severity:    SeverityMedium,
			Filter:      &EventFilter{EventType: classify.EventTypePageview},
			GroupByPage: true,
			MinCount:    3,
			Negative:    &EventFilter{ActionType: classify.ActionSubmit},
		},
		{
			Name:           "checkout_abandoned",
			Description:    "Started checkout but didn't complete order within 30 minutes",
			Severity:       SeverityHigh,
			Filter:         &EventFilter{LabelContainsAny: []string{"checkout"}},
			MinCount:       1,
			Negative:       &EventFilter{ActionType: classify.ActionSubmit, LabelContainsAny: []string{"checkout", "order"}},
			NegativeWindow: 30 * time.Minute,
		},
		{
			Name:        "payment_failure_frustration",
			Description: "Multiple rage clicks on payment page indicating payment issues",
			Severity:    SeverityHigh,
			Filter:      &EventFilter{ActionType: classify.ActionRageClick, PagePathPrefix: "/payment"},
			MinCount:    2,
		},
		{
			Name:           "signup_abandonment",
			Description:    "Started signup process but didn't complete",
			Severity:       SeverityHigh,
			Filter:         &EventFilter{LabelContainsAny: []string{"signup"}},
			MinCount:       1,
			Negative:       &EventFilter{LabelContainsAny: []string{"account created"}},
			NegativeWindow: 15 * time.Minute,
		},
		{
			Name:        "billing_hesitation",
			Description: "Visited billing page multiple times without completing upgrade",
			Severity:    SeverityMedium,
			Filter:      &EventFilter{EventType: classify.EventTypePageview, PagePathPrefix: "/billing"},
			MinCount:    3,
			Negative:    &EventFilter{LabelContainsAny: []string{"upgrade"}},
		},
		{
			Name:        "form_struggle",
			Description: "Multiple form interactions suggesting difficulty completing form",
			Severity:    SeverityMedium,
			Filter:      &EventFilter{EventType: classify.EventTypeClick, PagePathPrefix: "/contact"},
			MinCount:    8,
			TimeWindow:  5 * time.Minute,
		},
		{
			Name:        "price_comparison_loop",
			Description: "Repeatedly viewing pricing page without taking action",
			Severity:    SeverityMedium,
			Filter:      &EventFilter{EventType: classify.EventTypePageview, PagePathPrefix: "/pricing"},
			MinCount:    4,
			Negative:    &EventFilter{LabelContainsAny: []string{"checkout"}},
		},
		{
			Name:        "quick_bounce",
			Description: "Very short session with minimal engagement",
			Severity:    SeverityLow,
			Session:     &SessionFilter{MaxDuration: 30 * time.Second, MaxEvents: 3},
		},
		{
			Name:        "power_user_session",
			Description: "Extended session with high engagement",
			Severity:    SeverityLow,
			Session:     &SessionFilter{MinDuration: 10 * time.Minute, MinEvents: 20},
		},
		{
			Name:        "feature_exploration",
			Description: "Visited many different pages in quick succession",
			Severity:    SeverityLow,
			Filter:      &EventFilter{EventType: classify.EventTypePageview},
			MinCount:    8,
			TimeWindow:  10 * time.Minute,
		},
		{
			Name:        "product_comparison",
			Description: "Viewed multiple products without purchasing",
			Severity:    SeverityLow,
			Filter:      &EventFilter{LabelContainsAny: []string{"product"}},
			MinCount:    5,
			Negative:    &EventFilter{LabelContainsAny: []string{"purchase"}},
		},
	}
}

// RuleNames lists the names of the default rules
func RuleNames() []string {
	rules := DefaultRules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return names
}
