package enrich

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
)

func TestParseElementsChain(t *testing.T) {
	chain := `button.btn.primary:text="Shop"attr__data-ph-capture-attribute-nav="home"attr__class="btn";nav.menu;header;body;html;document`

	parsed := ParseElementsChain(chain)

	assert.Equal(t, "button", parsed.ElementType)
	assert.Equal(t, "Shop", parsed.ElementText)
	assert.Equal(t, map[string]string{"nav": "home"}, parsed.Attributes)
	assert.Equal(t, []string{"button", "nav", "header", "body", "html"}, parsed.Hierarchy)
}

func TestParseElementsChainAltText(t *testing.T) {
	parsed := ParseElementsChain(`IMG:attr__alt="FPV Speedster"attr__data-ph-capture-attribute-product-id="3";div`)

	assert.Equal(t, "img", parsed.ElementType)
	assert.Equal(t, "FPV Speedster", parsed.ElementText)
	assert.Equal(t, "3", parsed.Attributes["product-id"])
	assert.Equal(t, []string{"img", "div"}, parsed.Hierarchy)
}

func TestParseElementsChainEmpty(t *testing.T) {
	assert.Equal(t, Elements{}, ParseElementsChain(""))
	assert.Equal(t, Elements{}, ParseElementsChain("   "))
}

func TestExtractPageInfo(t *testing.T) {
	tests := []struct {
		name       string
		properties map[string]interface{}
		expected   PageInfo
	}{
		{"missing path", map[string]interface{}{}, PageInfo{"/", "home page"}},
		{"trailing slash", map[string]interface{}{"$pathname": "/billing/"}, PageInfo{"/billing", "billing page"}},
		{"nested", map[string]interface{}{"$pathname": "/account-settings/profile"}, PageInfo{"/account-settings/profile", "account settings page"}},
		{"title wins", map[string]interface{}{"$pathname": "/about", "title": "About Us"}, PageInfo{"/about", "About Us"}},
		{"non-string path", map[string]interface{}{"$pathname": 12}, PageInfo{"/", "home page"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractPageInfo(tt.properties))
		})
	}
}

func TestLabelBuilder(t *testing.T) {
	b := NewLabelBuilder(nil, nil, 0)
	home := PageInfo{Path: "/", Title: "home page"}
	products := PageInfo{Path: "/products", Title: "products page"}

	click := classify.Classification{EventType: classify.EventTypeClick, ActionType: classify.ActionClick}
	rage := classify.Classification{EventType: classify.EventTypeClick, ActionType: classify.ActionRageClick}

	tests := []struct {
		name       string
		c          classify.Classification
		page       PageInfo
		elements   Elements
		eventName  string
		properties map[string]interface{}
		expected   string
	}{
		{"pageview", classify.Classification{EventType: classify.EventTypePageview, ActionType: classify.ActionView}, home, Elements{}, "$pageview", nil, "Viewed home page"},
		{"click with text", click, home, Elements{ElementType: "button", ElementText: "Shop"}, "", nil, "Clicked 'Shop' button"},
		{"click nav enriched", click, home, Elements{ElementType: "button", ElementText: "Shop", Attributes: map[string]string{"nav": "home"}}, "", nil, "Clicked 'Shop' navigation button"},
		{"click product card", click, products, Elements{ElementType: "div", ElementText: "FPV Speedster", Attributes: map[string]string{"product-id": "3"}}, "", nil, "Clicked 'FPV Speedster' product card"},
		{"click no text", click, PageInfo{"/billing", "billing page"}, Elements{ElementType: "input"}, "", nil, "Clicked input on billing page"},
		{"click nothing", click, home, Elements{}, "", nil, "Clicked element on home page"},
		{"rage with text", rage, home, Elements{ElementType: "img", ElementText: "FPV Speedster"}, "", nil, "Rage-clicked 'FPV Speedster' img"},
		{"rage no text", rage, products, Elements{ElementType: "button"}, "", nil, "Rage-clicked button on products page"},
		{"rage nothing", rage, home, Elements{}, "", nil, "Rage-clicked on home page"},
		{"leave", classify.Classification{EventType: classify.EventTypeNavigation, ActionType: classify.ActionLeave}, PageInfo{"/pricing", "pricing page"}, Elements{}, "", nil, "Left pricing page"},
		{"custom template", classify.Classification{EventType: classify.EventTypeCustom, ActionType: classify.ActionClick}, home, Elements{}, "product_clicked", map[string]interface{}{"product_name": "Drone"}, "Selected product: Drone"},
		{"custom template missing prop", classify.Classification{EventType: classify.EventTypeCustom, ActionType: classify.ActionClick}, home, Elements{}, "product_clicked", map[string]interface{}{}, "Product clicked"},
		{"custom humanized", classify.Classification{EventType: classify.EventTypeCustom, ActionType: classify.ActionSubmit}, home, Elements{}, "Checkout_Completed", nil, "Checkout completed"},
		{"unknown fallback", classify.Classification{EventType: classify.EventTypeUnknown, ActionType: classify.ActionUnknown}, home, Elements{}, "$identify", nil, "Event on home page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, b.Build(tt.c, tt.page, tt.elements, tt.eventName, tt.properties))
		})
	}
}

func TestLabelBuilderTruncates(t *testing.T) {
	b := NewLabelBuilder(nil, nil, 20)
	c := classify.Classification{EventType: classify.EventTypeCustom, ActionType: classify.ActionClick}

	label := b.Build(c, PageInfo{}, Elements{}, strings.Repeat("a_", 30), nil)

	assert.Len(t, label, 20)
	assert.True(t, strings.HasSuffix(label, "..."))
}

func TestBuildContext(t *testing.T) {
	ctx := BuildContext("$autocapture",
		map[string]interface{}{"user_role": "admin", "$time": 123, "token": "secret", "distinct_id": "u1"},
		Elements{Attributes: map[string]string{"form-id": "contact"}, Hierarchy: []string{"button", "form"}},
		DefaultExcludedKeys,
	)

	assert.Equal(t, map[string]interface{}{
		"user_role":    "admin",
		"form_id":      "contact",
		"hierarchy":    []string{"button", "form"},
		"source_event": "$autocapture",
	}, ctx)
}

func TestExtractHierarchy(t *testing.T) {
	assert.Nil(t, ExtractHierarchy(map[string]interface{}{}, Elements{}))

	h := ExtractHierarchy(map[string]interface{}{"$pathname": "/billing/"}, Elements{Hierarchy: []string{"button", "form", "main"}})
	require.NotNil(t, h)
	assert.Equal(t, "/billing", h.Page)
	assert.Equal(t, []string{"main", "form"}, h.Components)
	assert.Equal(t, "button", h.Element)

	pageOnly := ExtractHierarchy(map[string]interface{}{"$pathname": "/"}, Elements{})
	require.NotNil(t, pageOnly)
	assert.Equal(t, &Hierarchy{Page: "/"}, pageOnly)
}

func TestEnricherReadsChainFromProperties(t *testing.T) {
	e := NewEnricher(nil, nil)

	result := e.Enrich("$autocapture", map[string]interface{}{
		"$event_type":     "submit",
		"$pathname":       "/contact",
		"$elements_chain": `button:text="Send";form`,
	}, "")

	assert.Equal(t, classify.Classification{EventType: classify.EventTypeClick, ActionType: classify.ActionSubmit}, result.Classification)
	assert.Equal(t, "Clicked 'Send' button", result.Label)
	require.NotNil(t, result.Hierarchy)
	assert.Equal(t, "/contact", result.Hierarchy.Page)
	assert.Equal(t, []string{"form"}, result.Hierarchy.Components)
}
