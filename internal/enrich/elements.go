package enrich

import (
	"regexp"
	"strings"
)

// maxHierarchyDepth bounds how many DOM levels are kept from an elements chain
const maxHierarchyDepth = 5

var (
	tagPattern       = regexp.MustCompile(`^([A-Za-z0-9]+)`)
	textPattern      = regexp.MustCompile(`text="([^"]*)"`)
	altPattern       = regexp.MustCompile(`attr__alt="([^"]*)"`)
	attributePattern = regexp.MustCompile(`attr__data-ph-capture-attribute-([^=]+)="([^"]*)"`)
)

// Elements is the structured form of an autocapture elements chain
type Elements struct {
	ElementType string            `json:"element_type,omitempty"`
	ElementText string            `json:"element_text,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	// Hierarchy lists element tags innermost first
	Hierarchy []string `json:"hierarchy,omitempty"`
}

// ParseElementsChain parses a chain such as
// `button.btn:text="Shop"attr__data-ph-capture-attribute-nav="home";nav;header`.
// The first segment is the element the user interacted with.
func ParseElementsChain(chain string) Elements {
	var parsed Elements
	if strings.TrimSpace(chain) == "" {
		return parsed
	}

	segments := strings.Split(chain, ";")
	first := strings.TrimSpace(segments[0])

	if m := tagPattern.FindStringSubmatch(first); m != nil {
		parsed.ElementType = strings.ToLower(m[1])
	}

	if m := textPattern.FindStringSubmatch(first); m != nil {
		parsed.ElementText = m[1]
	} else if m := altPattern.FindStringSubmatch(first); m != nil {
		parsed.ElementText = m[1]
	}

	for _, m := range attributePattern.FindAllStringSubmatch(first, -1) {
		if parsed.Attributes == nil {
			parsed.Attributes = make(map[string]string)
		}
		parsed.Attributes[m[1]] = m[2]
	}

	for i, segment := range segments {
		if i >= maxHierarchyDepth {
			break
		}
		if m := tagPattern.FindStringSubmatch(strings.TrimSpace(segment)); m != nil {
			parsed.Hierarchy = append(parsed.Hierarchy, strings.ToLower(m[1]))
		}
	}

	return parsed
}
