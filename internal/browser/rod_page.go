package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// textLocatorJS returns the deepest first element whose rendered text
// contains the needle, compared case-insensitively with collapsed whitespace.
const textLocatorJS = `(text) => {
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const needle = norm(text);
	const skip = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'HEAD']);
	const matches = (el) => !skip.has(el.tagName) &&
		norm(el.innerText !== undefined ? el.innerText : el.textContent).includes(needle);
	let el = document.body || document.documentElement;
	if (!el || !matches(el)) return null;
	for (;;) {
		const child = Array.from(el.children).find(matches);
		if (!child) return el;
		el = child;
	}
}`

// roleLocatorJS returns the first element with an explicit or implicit ARIA role.
const roleLocatorJS = `(role) => {
	const implicit = {
		button: 'button, input[type=button], input[type=submit], input[type=reset], summary',
		link: 'a[href], area[href]',
		textbox: 'input:not([type]), input[type=text], input[type=email], input[type=tel], input[type=url], input[type=search], textarea',
		checkbox: 'input[type=checkbox]',
		radio: 'input[type=radio]',
		combobox: 'select',
		heading: 'h1, h2, h3, h4, h5, h6',
		img: 'img[alt]',
		list: 'ul, ol',
		listitem: 'li',
		navigation: 'nav',
		main: 'main',
		form: 'form',
		table: 'table',
	};
	const r = String(role).toLowerCase();
	let sel = '[role="' + r.replace(/"/g, '') + '"]';
	if (implicit[r]) sel += ', ' + implicit[r];
	const visible = (el) => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
	const all = Array.from(document.querySelectorAll(sel));
	return all.find(visible) || all[0] || null;
}`

const readyStateJS = `() => document.readyState !== 'loading'`

// networkIdleWindow is how long the network must be quiet for "networkidle".
const networkIdleWindow = 500 * time.Millisecond

// rodPage implements Page on a go-rod page inside its own incognito context.
type rodPage struct {
	page    *rod.Page
	context *rod.Browser
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newRodPage(page *rod.Page, incognito *rod.Browser, timeout time.Duration) *rodPage {
	return &rodPage{page: page, context: incognito, timeout: timeout}
}

// scoped binds the page to ctx and the action timeout. The returned cancel
// func must be called when the operation finishes.
func (p *rodPage) scoped(ctx context.Context) (*rod.Page, func()) {
	pg := p.page.Context(ctx)
	if p.timeout <= 0 {
		return pg, func() {}
	}
	pg = pg.Timeout(p.timeout)
	return pg, func() { pg.CancelTimeout() }
}

func (p *rodPage) Navigate(ctx context.Context, url, waitUntil string) error {
	pg, done := p.scoped(ctx)
	defer done()

	var waitIdle func()
	if waitUntil == "networkidle" {
		waitIdle = pg.WaitRequestIdle(networkIdleWindow, nil, nil, nil)
	}
	if err := pg.Navigate(url); err != nil {
		return driverErr("navigate", url, err)
	}
	switch waitUntil {
	case "", "load":
		return driverErr("wait load", url, pg.WaitLoad())
	case "domcontentloaded":
		return driverErr("wait domcontentloaded", url, pg.Wait(rod.Eval(readyStateJS)))
	case "networkidle":
		waitIdle()
		return driverErr("wait networkidle", url, pg.GetContext().Err())
	case "commit":
		return nil
	default:
		return driverErr("navigate", url, fmt.Errorf("unsupported wait_until %q", waitUntil))
	}
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.Element(selector)
	if err != nil {
		return driverErr("wait for selector", selector, err)
	}
	return driverErr("wait for selector", selector, el.WaitVisible())
}

func (p *rodPage) WaitForText(ctx context.Context, text string) error {
	pg, done := p.scoped(ctx)
	defer done()
	_, err := pg.ElementByJS(rod.Eval(textLocatorJS, text))
	return driverErr("wait for text", text, err)
}

func (p *rodPage) WaitForLoadState(ctx context.Context, state string) error {
	pg, done := p.scoped(ctx)
	defer done()
	switch state {
	case "load":
		return driverErr("wait load", "", pg.WaitLoad())
	case "domcontentloaded":
		return driverErr("wait domcontentloaded", "", pg.Wait(rod.Eval(readyStateJS)))
	case "networkidle":
		pg.WaitRequestIdle(networkIdleWindow, nil, nil, nil)()
		return driverErr("wait networkidle", "", pg.GetContext().Err())
	default:
		return driverErr("wait load state", state, fmt.Errorf("unsupported load state"))
	}
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.Element(selector)
	if err != nil {
		return driverErr("click", selector, err)
	}
	return driverErr("click", selector, el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) ClickText(ctx context.Context, text string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.ElementByJS(rod.Eval(textLocatorJS, text))
	if err != nil {
		return driverErr("click text", text, err)
	}
	return driverErr("click text", text, el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) ClickRole(ctx context.Context, role string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.ElementByJS(rod.Eval(roleLocatorJS, role))
	if err != nil {
		return driverErr("click role", role, err)
	}
	return driverErr("click role", role, el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) Fill(ctx context.Context, selector, text string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.Element(selector)
	if err != nil {
		return driverErr("fill", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return driverErr("fill", selector, err)
	}
	// Input over a full selection replaces the value; "" clears it.
	return driverErr("fill", selector, el.Input(text))
}

func (p *rodPage) PressKey(ctx context.Context, key string) error {
	chord, err := parseKey(key)
	if err != nil {
		return driverErr("press", key, err)
	}
	pg, done := p.scoped(ctx)
	defer done()

	kb := pg.Keyboard
	for _, m := range chord.modifiers {
		if err := kb.Press(m); err != nil {
			return driverErr("press", key, err)
		}
	}
	typeErr := kb.Type(chord.key)
	for i := len(chord.modifiers) - 1; i >= 0; i-- {
		if err := kb.Release(chord.modifiers[i]); err != nil && typeErr == nil {
			typeErr = err
		}
	}
	return driverErr("press", key, typeErr)
}

func (p *rodPage) ScrollBy(ctx context.Context, pixels int) error {
	pg, done := p.scoped(ctx)
	defer done()
	return driverErr("scroll", "", pg.Mouse.Scroll(0, float64(pixels), 1))
}

func (p *rodPage) ScrollIntoView(ctx context.Context, selector string) error {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.Element(selector)
	if err != nil {
		return driverErr("scroll into view", selector, err)
	}
	return driverErr("scroll into view", selector, el.ScrollIntoView())
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	pg, done := p.scoped(ctx)
	defer done()
	img, err := pg.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, driverErr("screenshot", "", err)
	}
	return img, nil
}

func (p *rodPage) URL(ctx context.Context) string {
	pg, done := p.scoped(ctx)
	defer done()
	info, err := pg.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	pg, done := p.scoped(ctx)
	defer done()
	info, err := pg.Info()
	if err != nil {
		return "", driverErr("title", "", err)
	}
	return info.Title, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	pg, done := p.scoped(ctx)
	defer done()
	html, err := pg.HTML()
	if err != nil {
		return "", driverErr("html", "", err)
	}
	return html, nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	pg, done := p.scoped(ctx)
	defer done()
	res, err := pg.Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, driverErr("evaluate", "", err)
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, driverErr("evaluate", "", err)
	}
	return raw, nil
}

func (p *rodPage) Count(ctx context.Context, selector string) (int, error) {
	pg, done := p.scoped(ctx)
	defer done()
	els, err := pg.Elements(selector)
	if err != nil {
		return 0, driverErr("count", selector, err)
	}
	return len(els), nil
}

func (p *rodPage) InnerText(ctx context.Context, selector string) (string, error) {
	pg, done := p.scoped(ctx)
	defer done()
	el, err := pg.Element(selector)
	if err != nil {
		return "", driverErr("inner text", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", driverErr("inner text", selector, err)
	}
	return text, nil
}

func (p *rodPage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if p.context == nil {
			p.closeErr = driverErr("close", "", p.page.Context(ctx).Close())
			return
		}
		// Disposing the incognito context closes its pages.
		p.closeErr = driverErr("close", "", p.context.Context(ctx).Close())
	})
	return p.closeErr
}
