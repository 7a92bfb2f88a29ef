package classify

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var validEventTypes = map[EventType]bool{
	EventTypePageview: true, EventTypeNavigation: true, EventTypeClick: true,
	EventTypeCustom: true, EventTypeUnknown: true,
}

var validActionTypes = map[ActionType]bool{
	ActionView: true, ActionLeave: true, ActionClick: true, ActionRageClick: true,
	ActionSubmit: true, ActionChange: true, ActionNavigate: true, ActionUnknown: true,
}

// TestProperty_ClassifyTotalAndDeterministic checks that any name and
// autocapture kind classify to a defined pair, identically on every call.
func TestProperty_ClassifyTotalAndDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("classification is total and repeatable", prop.ForAll(
		func(name, kind string) bool {
			props := map[string]interface{}{PropertyAutocaptureType: kind}
			first := Classify(name, props)
			second := Classify(name, props)
			return first == second &&
				validEventTypes[first.EventType] &&
				validActionTypes[first.ActionType]
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("custom names are always custom", prop.ForAll(
		func(name string) bool {
			if strings.HasPrefix(name, "$") {
				return true
			}
			return Classify(name, nil).EventType == EventTypeCustom
		},
		gen.AlphaString(),
	))

	properties.Property("unmapped system names are unknown", prop.ForAll(
		func(suffix string) bool {
			name := "$x_" + suffix
			return Classify(name, nil) == Classification{EventTypeUnknown, ActionUnknown}
		},
		gen.AlphaString(),
	))

	properties.Property("custom action ignores case", prop.ForAll(
		func(name string) bool {
			return InferCustomAction(strings.ToUpper(name)) == InferCustomAction(strings.ToLower(name))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
