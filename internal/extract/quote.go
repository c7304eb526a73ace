package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// QuoteResult is a window of visible text around the first match of Query.
type QuoteResult struct {
	Query        string `json:"query"`
	Found        bool   `json:"found"`
	Context      string `json:"context"`
	ContextChars int    `json:"context_chars"`
	Truncated    bool   `json:"truncated"`
}

// Quote searches the body's visible text for query.
func Quote(ctx context.Context, page Page, query string, contextChars, maxChars int) (QuoteResult, error) {
	text, err := page.InnerText(ctx, "body")
	if err != nil {
		return QuoteResult{}, fmt.Errorf("inner text body: %w", err)
	}
	return QuoteText(text, query, contextChars, maxChars), nil
}

// QuoteText finds the first case-insensitive occurrence of query in text and
// returns up to contextChars runes on each side. The window is trimmed like
// any other extraction, capped at maxChars when maxChars > 0.
func QuoteText(text, query string, contextChars, maxChars int) QuoteResult {
	res := QuoteResult{Query: query, ContextChars: contextChars}
	if query == "" {
		return res
	}

	hay := []rune(text)
	idx := runeIndexFold(hay, []rune(query))
	if idx < 0 {
		return res
	}

	qlen := utf8.RuneCountInString(query)
	start := max(0, idx-contextChars)
	end := min(len(hay), idx+qlen+contextChars)
	window := string(hay[start:end])

	limit := end - start
	if maxChars > 0 {
		limit = min(maxChars, limit)
	}
	trimmed := Trim(window, limit)

	res.Found = true
	res.Context = trimmed.Text
	res.Truncated = trimmed.Truncated
	return res
}

// runeIndexFold returns the rune offset of needle in hay, comparing with
// simple lower-case folding so offsets stay aligned with the original text.
func runeIndexFold(hay, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(hay) {
		return -1
	}
	lowerHay := lowerRunes(hay)
	lowerNeedle := lowerRunes(needle)
	i := strings.Index(string(lowerHay), string(lowerNeedle))
	if i < 0 {
		return -1
	}
	return utf8.RuneCountInString(string(lowerHay)[:i])
}

func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}
