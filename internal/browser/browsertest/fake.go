// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"humanbrowse/internal/browser"
)

// PNG is the byte payload returned by Page.Screenshot.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Page is a scriptable browser.Page. Fields may be set before use; the
// methods are safe for concurrent calls.
type Page struct {
	mu sync.Mutex

	CurrentURL string
	PageTitle  string
	Markup     string
	// Texts maps a selector to its inner text. "body" is the visible page text.
	Texts map[string]string
	// Redirects maps a navigation target to the URL the page lands on.
	Redirects map[string]string
	// Errors fails the named operation ("navigate", "click", ...).
	Errors map[string]error
	// EvalResult is returned by Evaluate.
	EvalResult json.RawMessage

	calls  []string
	closed bool
}

var _ browser.Page = (*Page)(nil)

// NewPage returns a blank page.
func NewPage() *Page {
	return &Page{
		CurrentURL: "about:blank",
		Texts:      map[string]string{},
		Redirects:  map[string]string{},
		Errors:     map[string]error{},
	}
}

// Calls returns the operations performed so far, as "op arg".
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) record(op, arg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, strings.TrimSpace(op+" "+arg))
	if p.closed {
		return &browser.DriverError{Op: op, Arg: arg, Err: browser.ErrPageClosed}
	}
	if err := p.Errors[op]; err != nil {
		return &browser.DriverError{Op: op, Arg: arg, Err: err}
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url, waitUntil string) error {
	if err := p.record("navigate", url); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if target, ok := p.Redirects[url]; ok {
		url = target
	}
	p.CurrentURL = url
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	return p.record("wait_for_selector", selector)
}

func (p *Page) WaitForText(ctx context.Context, text string) error {
	return p.record("wait_for_text", text)
}

func (p *Page) WaitForLoadState(ctx context.Context, state string) error {
	return p.record("wait_for_load_state", state)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.record("click", selector)
}

func (p *Page) ClickText(ctx context.Context, text string) error {
	return p.record("click_text", text)
}

func (p *Page) ClickRole(ctx context.Context, role string) error {
	return p.record("click_role", role)
}

func (p *Page) Fill(ctx context.Context, selector, text string) error {
	return p.record("fill", selector)
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.record("press", key)
}

func (p *Page) ScrollBy(ctx context.Context, pixels int) error {
	return p.record("scroll_by", fmt.Sprint(pixels))
}

func (p *Page) ScrollIntoView(ctx context.Context, selector string) error {
	return p.record("scroll_into_view", selector)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.record("screenshot", ""); err != nil {
		return nil, err
	}
	return PNG, nil
}

func (p *Page) URL(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.record("title", ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageTitle, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.record("html", ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Markup, nil
}

func (p *Page) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if err := p.record("evaluate", ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EvalResult == nil {
		return json.RawMessage("null"), nil
	}
	return p.EvalResult, nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	if err := p.record("count", selector); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.Texts[selector]; ok {
		return 1, nil
	}
	return 0, nil
}

func (p *Page) InnerText(ctx context.Context, selector string) (string, error) {
	if err := p.record("inner_text", selector); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.Texts[selector]
	if !ok {
		return "", &browser.DriverError{Op: "inner_text", Arg: selector, Err: fmt.Errorf("no element matches")}
	}
	return text, nil
}

func (p *Page) Close(ctx context.Context) error {
	if err := p.record("close", ""); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Opener hands out pages built by New, or NewPage when New is nil.
type Opener struct {
	mu    sync.Mutex
	New   func() *Page
	Err   error
	pages []*Page
}

var _ browser.Opener = (*Opener)(nil)

func (o *Opener) NewPage(ctx context.Context) (browser.Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	var p *Page
	if o.New != nil {
		p = o.New()
	} else {
		p = NewPage()
	}
	o.pages = append(o.pages, p)
	return p, nil
}

// Pages returns every page opened so far.
func (o *Opener) Pages() []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Page(nil), o.pages...)
}
