package enrich

import (
	"strings"
)

// DefaultExcludedKeys are property keys never copied into an event context
var DefaultExcludedKeys = []string{"token", "distinct_id"}

// Hierarchy locates an event on the page: page -> component path -> element
type Hierarchy struct {
	Page string `json:"page,omitempty"`
	// Components are enclosing DOM tags, outermost first
	Components []string `json:"components,omitempty"`
	Element    string   `json:"element,omitempty"`
}

// ExtractHierarchy derives a hierarchy from the page path and the parsed chain.
// It returns nil when neither is present.
func ExtractHierarchy(properties map[string]interface{}, elements Elements) *Hierarchy {
	hasPage := HasPathname(properties)
	if !hasPage && len(elements.Hierarchy) == 0 {
		return nil
	}

	h := &Hierarchy{}
	if hasPage {
		h.Page = ExtractPageInfo(properties).Path
	}
	if len(elements.Hierarchy) > 0 {
		h.Element = elements.Hierarchy[0]
		for i := len(elements.Hierarchy) - 1; i >= 1; i-- {
			h.Components = append(h.Components, elements.Hierarchy[i])
		}
	}
	return h
}

// BuildContext keeps the user supplied properties relevant to a reader of the
// event: SDK ($-prefixed) and excluded keys are dropped, capture attributes
// and the DOM hierarchy are added.
func BuildContext(eventName string, properties map[string]interface{}, elements Elements, excludedKeys []string) map[string]interface{} {
	excluded := make(map[string]bool, len(excludedKeys))
	for _, key := range excludedKeys {
		excluded[key] = true
	}

	ctx := make(map[string]interface{})
	for key, value := range properties {
		if strings.HasPrefix(key, "$") || excluded[key] {
			continue
		}
		ctx[key] = value
	}

	for name, value := range elements.Attributes {
		ctx[strings.ReplaceAll(name, "-", "_")] = value
	}

	if len(elements.Hierarchy) > 0 {
		ctx["hierarchy"] = elements.Hierarchy
	}

	if eventName != "" {
		ctx["source_event"] = eventName
	}

	return ctx
}
