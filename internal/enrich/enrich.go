package enrich

import (
	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
)

// Result is everything derived from a single raw event
type Result struct {
	Classification classify.Classification
	Page           PageInfo
	Elements       Elements
	Label          string
	Hierarchy      *Hierarchy
	Context        map[string]interface{}
}

// Enricher combines classification with page, element and label extraction.
// It holds only immutable configuration, so a single instance is safe to share.
type Enricher struct {
	labels       *LabelBuilder
	excludedKeys []string
}

// NewEnricher creates an enricher
func NewEnricher(labels *LabelBuilder, excludedKeys []string) *Enricher {
	if labels == nil {
		labels = NewLabelBuilder(nil, nil, 0)
	}
	if excludedKeys == nil {
		excludedKeys = DefaultExcludedKeys
	}
	return &Enricher{labels: labels, excludedKeys: excludedKeys}
}

// Enrich derives the enriched view of an event. elementsChain may be empty,
// in which case the chain is read from the properties.
func (e *Enricher) Enrich(eventName string, properties map[string]interface{}, elementsChain string) Result {
	if elementsChain == "" {
		elementsChain, _ = properties[PropertyElementsChain].(string)
	}

	c := classify.Classify(eventName, properties)
	page := ExtractPageInfo(properties)
	elements := ParseElementsChain(elementsChain)

	return Result{
		Classification: c,
		Page:           page,
		Elements:       elements,
		Label:          e.labels.Build(c, page, elements, eventName, properties),
		Hierarchy:      ExtractHierarchy(properties, elements),
		Context:        BuildContext(eventName, properties, elements, e.excludedKeys),
	}
}
