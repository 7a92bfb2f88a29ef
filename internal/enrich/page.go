package enrich

import (
	"strings"
)

// Property keys read from the tracking SDK payload
const (
	PropertyPathname      = "$pathname"
	PropertySessionID     = "$session_id"
	PropertyElementsChain = "$elements_chain"
	PropertyTitle         = "title"
)

// PageInfo identifies the page an event happened on
type PageInfo struct {
	Path  string `json:"page_path"`
	Title string `json:"page_title"`
}

// ExtractPageInfo reads the page path and title from event properties.
// A missing path is treated as the home page.
func ExtractPageInfo(properties map[string]interface{}) PageInfo {
	path := "/"
	if p, ok := properties[PropertyPathname].(string); ok && p != "" {
		path = NormalizePagePath(p)
	}

	title, _ := properties[PropertyTitle].(string)
	if title == "" {
		title = HumanizePagePath(path)
	}

	return PageInfo{Path: path, Title: title}
}

// NormalizePagePath strips trailing slashes, keeping the root as "/"
func NormalizePagePath(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// HumanizePagePath turns "/billing/settings" into "billing page"
func HumanizePagePath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "home page"
	}

	first := strings.SplitN(trimmed, "/", 2)[0]
	first = strings.NewReplacer("_", " ", "-", " ").Replace(first)
	return first + " page"
}

// HasPathname reports whether the properties carry an explicit page path
func HasPathname(properties map[string]interface{}) bool {
	p, ok := properties[PropertyPathname].(string)
	return ok && p != ""
}
