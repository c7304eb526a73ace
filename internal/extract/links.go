package extract

import (
	"context"
	"encoding/json"
	"fmt"
)

// ScopeMain restricts link collection to the main content region.
const ScopeMain = "main"

// Link is one hyperlink. Href is absolute, as resolved by the page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// LinkList is the result of a links extraction.
type LinkList struct {
	Scope string `json:"scope"`
	Count int    `json:"count"`
	Links []Link `json:"links"`
}

const linksJS = `(root) => {
	const scope = root ? document.querySelector(root) : document;
	if (!scope) return [];
	return Array.from(scope.querySelectorAll('a[href]')).map((a) => ({
		text: (a.innerText || a.textContent || '').trim(),
		href: a.href,
	}));
}`

// Links collects every a[href] in scope. For ScopeMain the first matching
// main-content region is used, falling back to the whole document when the
// page has none; any other scope covers the whole document.
func Links(ctx context.Context, page Page, scope string) (LinkList, error) {
	root := ""
	if scope == ScopeMain {
		for _, sel := range MainSelectors {
			n, err := page.Count(ctx, sel)
			if err != nil {
				return LinkList{}, fmt.Errorf("count %s: %w", sel, err)
			}
			if n > 0 {
				root = sel
				break
			}
		}
	}

	raw, err := page.Evaluate(ctx, linksJS, root)
	if err != nil {
		return LinkList{}, fmt.Errorf("collect links: %w", err)
	}
	links := []Link{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &links); err != nil {
			return LinkList{}, fmt.Errorf("decode links: %w", err)
		}
	}
	return LinkList{Scope: scope, Count: len(links), Links: links}, nil
}
