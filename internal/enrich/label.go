package enrich

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
)

// DefaultLabelMaxLength bounds the length of a semantic label
const DefaultLabelMaxLength = 150

// DefaultCustomTemplates label well-known custom events. Placeholders name event properties.
var DefaultCustomTemplates = map[string]string{
	"product_clicked":        "Selected product: {product_name}",
	"plan_upgrade_started":   "Started plan upgrade",
	"plan_upgrade_completed": "Completed plan upgrade to {plan_name}",
	"form_submitted":         "Submitted {form_name} form",
}

// DefaultEnrichmentRules refine an element type using its capture attributes
var DefaultEnrichmentRules = map[string]string{
	"nav":          "navigation {base_type}",
	"product-id":   "product card",
	"product-name": "product card",
	"form-id":      "{base_type} in form",
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_\-]+)\}`)

// LabelBuilder renders short, human readable descriptions of events
type LabelBuilder struct {
	customTemplates map[string]string
	enrichmentRules map[string]string
	maxLength       int
}

// NewLabelBuilder creates a label builder. Nil maps and a non-positive
// max length fall back to the defaults.
func NewLabelBuilder(customTemplates, enrichmentRules map[string]string, maxLength int) *LabelBuilder {
	if customTemplates == nil {
		customTemplates = DefaultCustomTemplates
	}
	if enrichmentRules == nil {
		enrichmentRules = DefaultEnrichmentRules
	}
	if maxLength <= 0 {
		maxLength = DefaultLabelMaxLength
	}
	return &LabelBuilder{
		customTemplates: customTemplates,
		enrichmentRules: enrichmentRules,
		maxLength:       maxLength,
	}
}

// Build dispatches on the classification and post-processes the result
func (b *LabelBuilder) Build(c classify.Classification, page PageInfo, elements Elements, eventName string, properties map[string]interface{}) string {
	var label string

	switch {
	case c.EventType == classify.EventTypePageview:
		label = "viewed " + page.Title
	case c.ActionType == classify.ActionRageClick:
		label = b.rageClickLabel(elements, page)
	case c.EventType == classify.EventTypeClick:
		label = b.clickLabel(elements, page)
	case c.EventType == classify.EventTypeNavigation && c.ActionType == classify.ActionLeave:
		label = "left " + page.Title
	case c.EventType == classify.EventTypeCustom:
		label = b.customLabel(eventName, properties)
	default:
		label = "event on " + page.Title
	}

	return capitalizeFirst(truncate(label, b.maxLength))
}

func (b *LabelBuilder) clickLabel(elements Elements, page PageInfo) string {
	if elements.ElementText != "" {
		return fmt.Sprintf("clicked '%s' %s", elements.ElementText, b.enrichElementType(elements))
	}
	return fmt.Sprintf("clicked %s on %s", orDefault(elements.ElementType, "element"), page.Title)
}

func (b *LabelBuilder) rageClickLabel(elements Elements, page PageInfo) string {
	switch {
	case elements.ElementText != "":
		return fmt.Sprintf("rage-clicked '%s' %s", elements.ElementText, orDefault(elements.ElementType, "element"))
	case elements.ElementType != "":
		return fmt.Sprintf("rage-clicked %s on %s", elements.ElementType, page.Title)
	default:
		return "rage-clicked on " + page.Title
	}
}

func (b *LabelBuilder) customLabel(eventName string, properties map[string]interface{}) string {
	if eventName == "" {
		return "custom event"
	}

	if template, ok := b.customTemplates[eventName]; ok {
		if rendered, ok := renderTemplate(template, properties); ok {
			return rendered
		}
	}

	return strings.ToLower(strings.ReplaceAll(eventName, "_", " "))
}

// enrichElementType applies the first matching rule in attribute name order
func (b *LabelBuilder) enrichElementType(elements Elements) string {
	baseType := orDefault(elements.ElementType, "element")

	names := make([]string, 0, len(elements.Attributes))
	for name := range elements.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if template, ok := b.enrichmentRules[name]; ok {
			return strings.ReplaceAll(template, "{base_type}", baseType)
		}
	}
	return baseType
}

// renderTemplate fills {name} placeholders from properties; ok is false when one is missing
func renderTemplate(template string, properties map[string]interface{}) (string, bool) {
	missing := false
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := properties[key]
		if !ok || value == nil {
			missing = true
			return match
		}
		return fmt.Sprint(value)
	})
	return rendered, !missing
}

func truncate(text string, maxLength int) string {
	if utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	runes := []rune(text)
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}

func capitalizeFirst(text string) string {
	r, size := utf8.DecodeRuneInString(text)
	if size == 0 {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
