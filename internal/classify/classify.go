package classify

import "strings"

// EventType is the coarse category of an event
type EventType string

// ActionType is what the user did
type ActionType string

// Event types
const (
	EventTypePageview   EventType = "pageview"
	EventTypeNavigation EventType = "navigation"
	EventTypeClick      EventType = "click"
	EventTypeCustom     EventType = "custom"
	EventTypeUnknown    EventType = "unknown"
)

// Action types
const (
	ActionView      ActionType = "view"
	ActionLeave     ActionType = "leave"
	ActionClick     ActionType = "click"
	ActionRageClick ActionType = "rage_click"
	ActionSubmit    ActionType = "submit"
	ActionChange    ActionType = "change"
	ActionNavigate  ActionType = "navigate"
	ActionUnknown   ActionType = "unknown"
)

// System event names emitted by the tracking SDK
const (
	EventPageview    = "$pageview"
	EventPageleave   = "$pageleave"
	EventRageclick   = "$rageclick"
	EventAutocapture = "$autocapture"

	// PropertyAutocaptureType carries the DOM event kind of an $autocapture event
	PropertyAutocaptureType = "$event_type"

	systemPrefix = "$"
)

// Classification is the (event_type, action_type) label pair of an event
type Classification struct {
	EventType  EventType  `json:"event_type"`
	ActionType ActionType `json:"action_type"`
}

var systemEvents = map[string]Classification{
	EventPageview:  {EventType: EventTypePageview, ActionType: ActionView},
	EventPageleave: {EventType: EventTypeNavigation, ActionType: ActionLeave},
	EventRageclick: {EventType: EventTypeClick, ActionType: ActionRageClick},
}

var autocaptureActions = map[string]ActionType{
	"click":  ActionClick,
	"submit": ActionSubmit,
	"change": ActionChange,
}

// customActionRules is scanned in order; the first rule with a matching keyword wins.
var customActionRules = []struct {
	keywords []string
	action   ActionType
}{
	{keywords: []string{"click", "select", "choose"}, action: ActionClick},
	{keywords: []string{"submit", "complete", "finish"}, action: ActionSubmit},
	{keywords: []string{"start", "open", "view", "navigate"}, action: ActionNavigate},
}

// Classify maps a raw event name and its properties to a Classification.
// It never fails: unrecognized input resolves to a documented fallback.
func Classify(eventName string, properties map[string]interface{}) Classification {
	if c, ok := systemEvents[eventName]; ok {
		return c
	}

	if eventName == EventAutocapture {
		return classifyAutocapture(properties)
	}

	if strings.HasPrefix(eventName, systemPrefix) {
		return Classification{EventType: EventTypeUnknown, ActionType: ActionUnknown}
	}

	return Classification{EventType: EventTypeCustom, ActionType: InferCustomAction(eventName)}
}

func classifyAutocapture(properties map[string]interface{}) Classification {
	c := Classification{EventType: EventTypeClick, ActionType: ActionClick}

	raw, ok := properties[PropertyAutocaptureType]
	if !ok {
		return c
	}
	kind, ok := raw.(string)
	if !ok {
		return c
	}
	if action, ok := autocaptureActions[kind]; ok {
		c.ActionType = action
	}
	return c
}

// InferCustomAction derives an action from a custom event name by keyword.
// Names are assumed to describe the action they track, so this is a heuristic;
// names matching nothing default to a click.
func InferCustomAction(eventName string) ActionType {
	lower := strings.ToLower(eventName)
	for _, rule := range customActionRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.action
			}
		}
	}
	return ActionClick
}

// IsSystemEvent reports whether the name uses the reserved system prefix
func IsSystemEvent(eventName string) bool {
	return strings.HasPrefix(eventName, systemPrefix)
}
