// Package steps defines the closed set of browser actions a run executes.
// Steps are decoded from their tagged JSON form and validated before any
// run starts, so the executor never sees a malformed step.
package steps

// Kind is the wire discriminator of a step.
type Kind string

const (
	KindGoto            Kind = "goto"
	KindWaitFor         Kind = "wait_for"
	KindClick           Kind = "click"
	KindType            Kind = "type"
	KindPress           Kind = "press"
	KindScroll          Kind = "scroll"
	KindScreenshot      Kind = "screenshot"
	KindExtract         Kind = "extract"
	KindExtractReadable Kind = "extract_readable"
	KindLinks           Kind = "links"
	KindQuote           Kind = "quote"
	KindPauseForUser    Kind = "pause_for_user"
)

// Kinds lists every step kind in wire order.
var Kinds = []Kind{
	KindGoto, KindWaitFor, KindClick, KindType, KindPress, KindScroll,
	KindScreenshot, KindExtract, KindExtractReadable, KindLinks, KindQuote,
	KindPauseForUser,
}

// DefaultQuoteContextChars is the context window used when a quote step omits it.
const DefaultQuoteContextChars = 400

// DefaultLinksScope is the scope used when a links step omits it.
const DefaultLinksScope = "main"

// Step is one browser action. The set of implementations is closed.
type Step interface {
	Kind() Kind
	step()
}

// Goto navigates the page.
type Goto struct {
	URL       string `json:"url"`
	WaitUntil string `json:"wait_until,omitempty"`
}

// WaitFor blocks until exactly one of its conditions holds.
type WaitFor struct {
	Selector  string `json:"selector,omitempty"`
	Text      string `json:"text,omitempty"`
	LoadState string `json:"load_state,omitempty"`
}

// Click clicks the element addressed by exactly one locator.
type Click struct {
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Type replaces the value of an input.
type Type struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// Press sends a single key.
type Press struct {
	Key string `json:"key"`
}

// Scroll moves the viewport by Pixels or brings ToSelector into view.
// Pixels is a pointer because zero is a legal, set value.
type Scroll struct {
	Pixels     *int   `json:"pixels,omitempty"`
	ToSelector string `json:"to_selector,omitempty"`
}

// Screenshot captures the viewport.
type Screenshot struct {
	Label string `json:"label,omitempty"`
}

// Extract reads a selector's text, or readable content when Selector is empty.
type Extract struct {
	Selector string `json:"selector,omitempty"`
}

// ExtractReadable reads the page's main content.
type ExtractReadable struct{}

// Links lists hyperlinks in Scope ("main" or anything else for the whole document).
type Links struct {
	Scope string `json:"scope"`
}

// Quote finds Query in the visible text and returns a window around it.
type Quote struct {
	Query        string `json:"query"`
	ContextChars int    `json:"context_chars"`
}

// PauseForUser stops the run and asks a human to take over.
type PauseForUser struct {
	Reason string `json:"reason"`
}

func (Goto) Kind() Kind            { return KindGoto }
func (WaitFor) Kind() Kind         { return KindWaitFor }
func (Click) Kind() Kind           { return KindClick }
func (Type) Kind() Kind            { return KindType }
func (Press) Kind() Kind           { return KindPress }
func (Scroll) Kind() Kind          { return KindScroll }
func (Screenshot) Kind() Kind      { return KindScreenshot }
func (Extract) Kind() Kind         { return KindExtract }
func (ExtractReadable) Kind() Kind { return KindExtractReadable }
func (Links) Kind() Kind           { return KindLinks }
func (Quote) Kind() Kind           { return KindQuote }
func (PauseForUser) Kind() Kind    { return KindPauseForUser }

func (Goto) step()            {}
func (WaitFor) step()         {}
func (Click) step()           {}
func (Type) step()            {}
func (Press) step()           {}
func (Scroll) step()          {}
func (Screenshot) step()      {}
func (Extract) step()         {}
func (ExtractReadable) step() {}
func (Links) step()           {}
func (Quote) step()           {}
func (PauseForUser) step()    {}

// IsNavigation reports whether s may change the page's origin before it runs.
func IsNavigation(s Step) bool {
	_, ok := s.(Goto)
	return ok
}

// IsExtraction reports whether s produces a note record.
func IsExtraction(s Step) bool {
	switch s.(type) {
	case Extract, ExtractReadable, Links, Quote:
		return true
	}
	return false
}

// Pixels returns a pointer to n, for building Scroll steps.
func Pixels(n int) *int { return &n }
