// Package extract reads text and links out of a loaded page.
//
// All extractors work through the small Page interface so they can run
// against the live driver or a canned document in tests. Character counts
// are in runes.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"humanbrowse/internal/logging"
)

// Page is the subset of the page driver the extractors need.
type Page interface {
	// Count returns how many elements currently match selector.
	Count(ctx context.Context, selector string) (int, error)
	// InnerText returns the rendered text of the first match of selector.
	InnerText(ctx context.Context, selector string) (string, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs a JS function with args and returns its JSON result.
	Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	// URL returns the current address, or "" if it cannot be read.
	URL(ctx context.Context) string
}

// MainSelectors are tried in order when looking for a page's main content.
var MainSelectors = []string{"article", "main", "[role='main']", "#content"}

// SourceReadability marks text that came from the readability fallback.
const SourceReadability = "readability"

// Trimmed is whitespace-stripped, possibly truncated text.
type Trimmed struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Chars     int    `json:"chars"`
}

// Trim strips surrounding whitespace and, when maxChars > 0, truncates to
// maxChars runes.
func Trim(text string, maxChars int) Trimmed {
	s := strings.TrimSpace(text)
	n := utf8.RuneCountInString(s)
	if maxChars <= 0 || n <= maxChars {
		return Trimmed{Text: s, Chars: n}
	}
	return Trimmed{Text: string([]rune(s)[:maxChars]), Truncated: true, Chars: maxChars}
}

// Result is extracted text tagged with the selector or method that produced it.
type Result struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Chars     int    `json:"chars"`
	Source    string `json:"source"`
}

func newResult(t Trimmed, source string) Result {
	return Result{Text: t.Text, Truncated: t.Truncated, Chars: t.Chars, Source: source}
}

// Readable returns the page's main content: the first MainSelectors match
// with non-blank text, otherwise the readability rendering of the document.
// A selector whose lookup fails counts as a miss.
func Readable(ctx context.Context, page Page, maxChars int) (Result, error) {
	for _, sel := range MainSelectors {
		text, ok := firstText(ctx, page, sel)
		if ok && strings.TrimSpace(text) != "" {
			return newResult(Trim(text, maxChars), sel), nil
		}
	}

	markup, err := page.HTML(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read document: %w", err)
	}
	text, err := ReadableText(markup, page.URL(ctx))
	if err != nil {
		return Result{}, err
	}
	return newResult(Trim(text, maxChars), SourceReadability), nil
}

// Selector returns the text of selector's first match, or Readable when
// selector is empty. A selector that matches nothing yields empty text.
func Selector(ctx context.Context, page Page, selector string, maxChars int) (Result, error) {
	if selector == "" {
		return Readable(ctx, page, maxChars)
	}
	text, _ := firstText(ctx, page, selector)
	return newResult(Trim(text, maxChars), selector), nil
}

// firstText reads the first match of selector. ok is false when nothing
// matches or the driver could not read it.
func firstText(ctx context.Context, page Page, selector string) (string, bool) {
	n, err := page.Count(ctx, selector)
	if err != nil {
		logging.RunDebug("count %s: %v", selector, err)
		return "", false
	}
	if n == 0 {
		return "", false
	}
	text, err := page.InnerText(ctx, selector)
	if err != nil {
		logging.RunDebug("inner text %s: %v", selector, err)
		return "", false
	}
	return text, true
}
