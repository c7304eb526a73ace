package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakePage serves canned text per selector.
type fakePage struct {
	texts    map[string]string
	html     string
	url      string
	links    map[string][]Link // keyed by root selector, "" for the document
	evalRoot []string
	err      error
}

func (f *fakePage) Count(_ context.Context, selector string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if _, ok := f.texts[selector]; ok {
		return 1, nil
	}
	if _, ok := f.links[selector]; ok && selector != "" {
		return 1, nil
	}
	return 0, nil
}

func (f *fakePage) InnerText(_ context.Context, selector string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text, ok := f.texts[selector]
	if !ok {
		return "", errors.New("no element matches " + selector)
	}
	return text, nil
}

func (f *fakePage) HTML(context.Context) (string, error) {
	return f.html, f.err
}

func (f *fakePage) URL(context.Context) string {
	return f.url
}

func (f *fakePage) Evaluate(_ context.Context, _ string, args ...interface{}) (json.RawMessage, error) {
	root := args[0].(string)
	f.evalRoot = append(f.evalRoot, root)
	return json.Marshal(f.links[root])
}

func TestTrim(t *testing.T) {
	assert.Equal(t, Trimmed{Text: "hello", Chars: 5}, Trim("  hello \n", 0))
	assert.Equal(t, Trimmed{Text: "hel", Truncated: true, Chars: 3}, Trim("hello", 3))
	assert.Equal(t, Trimmed{Text: "hello", Chars: 5}, Trim("hello", 5))
	assert.Equal(t, Trimmed{Text: "héé", Truncated: true, Chars: 3}, Trim("héééé", 3))
	assert.Equal(t, Trimmed{Text: "", Chars: 0}, Trim("   ", 10))
}

func TestTrimProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		max := rapid.IntRange(0, 50).Draw(t, "max")

		got := Trim(text, max)
		stripped := strings.TrimSpace(text)
		n := utf8.RuneCountInString(stripped)

		if got.Chars != utf8.RuneCountInString(got.Text) {
			t.Fatalf("chars %d does not match text length", got.Chars)
		}
		if max > 0 && got.Chars > max {
			t.Fatalf("chars %d exceeds max %d", got.Chars, max)
		}
		if got.Truncated != (max > 0 && n > max) {
			t.Fatalf("truncated=%v for n=%d max=%d", got.Truncated, n, max)
		}
		if !strings.HasPrefix(stripped, got.Text) {
			t.Fatalf("result is not a prefix of the stripped input")
		}
	})
}

func TestReadable_FirstNonEmptySelectorWins(t *testing.T) {
	page := &fakePage{texts: map[string]string{
		"article":  "   ",
		"main":     "  Main body text  ",
		"#content": "ignored",
	}}
	res, err := Readable(context.Background(), page, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "Main body text", Chars: 14, Source: "main"}, res)
}

func TestReadable_Truncates(t *testing.T) {
	page := &fakePage{texts: map[string]string{"article": strings.Repeat("a", 500)}}
	res, err := Readable(context.Background(), page, 80)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 80, res.Chars)
	assert.Equal(t, "article", res.Source)
}

func TestReadable_FallsBackToReadability(t *testing.T) {
	story := strings.Repeat("The story goes on, adding detail, color, and context to every line it touches. ", 4)
	page := &fakePage{url: "https://news.example.com/a/1", html: `<html><head><title>Story</title></head><body>
		<nav><a href="/">Home</a> <a href="/world">World</a> <a href="/sport">Sport</a></nav>
		<div class="sidebar"><a href="/x">Sidebar link one</a> and more sidebar noise here</div>
		<div id="story">
			<p>The first paragraph of the story. ` + story + `</p>
			<p>The second paragraph continues. ` + story + `</p>
			<p>The third paragraph closes it. ` + story + `</p>
		</div>
		<footer>Copyright footer text</footer>
	</body></html>`}
	res, err := Readable(context.Background(), page, 0)
	require.NoError(t, err)
	assert.Equal(t, SourceReadability, res.Source)
	assert.Contains(t, res.Text, "The first paragraph of the story")
	assert.Contains(t, res.Text, "The third paragraph closes it")
	assert.NotContains(t, res.Text, "Sidebar")
	assert.NotContains(t, res.Text, "Copyright")
}

func TestReadable_SelectorFailureIsAMiss(t *testing.T) {
	page := &selectorErrPage{
		fakePage: fakePage{texts: map[string]string{"main": "Main body text"}},
		failing:  "article",
	}
	res, err := Readable(context.Background(), page, 0)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Source)
}

// selectorErrPage fails lookups for one selector.
type selectorErrPage struct {
	fakePage
	failing string
}

func (p *selectorErrPage) Count(ctx context.Context, selector string) (int, error) {
	if selector == p.failing {
		return 0, errors.New("execution context was destroyed")
	}
	return p.fakePage.Count(ctx, selector)
}

func TestReadableText_BodyFallback(t *testing.T) {
	text, err := ReadableText(`<html><body><script>var x = 1;</script><span>tiny</span></body></html>`, "")
	require.NoError(t, err)
	assert.Contains(t, text, "tiny")
	assert.NotContains(t, text, "var x")
}

func TestReadable_DriverError(t *testing.T) {
	page := &fakePage{err: errors.New("target closed")}
	_, err := Readable(context.Background(), page, 0)
	require.ErrorContains(t, err, "target closed")
}

func TestSelector(t *testing.T) {
	page := &fakePage{texts: map[string]string{"h1": " Title ", "article": "Body"}}

	res, err := Selector(context.Background(), page, "h1", 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "Title", Chars: 5, Source: "h1"}, res)

	res, err = Selector(context.Background(), page, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "article", res.Source)

	res, err = Selector(context.Background(), page, "#missing", 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Source: "#missing"}, res)
}

func TestLinks(t *testing.T) {
	docLinks := []Link{{Text: "A", Href: "https://a.test/"}, {Text: "B", Href: "https://b.test/"}}
	mainLinks := []Link{{Text: "A", Href: "https://a.test/"}}

	t.Run("main region", func(t *testing.T) {
		page := &fakePage{links: map[string][]Link{"": docLinks, "main": mainLinks}}
		got, err := Links(context.Background(), page, "main")
		require.NoError(t, err)
		assert.Equal(t, LinkList{Scope: "main", Count: 1, Links: mainLinks}, got)
		assert.Equal(t, []string{"main"}, page.evalRoot)
	})

	t.Run("main falls back to document", func(t *testing.T) {
		page := &fakePage{links: map[string][]Link{"": docLinks}}
		got, err := Links(context.Background(), page, "main")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Count)
		assert.Equal(t, []string{""}, page.evalRoot)
	})

	t.Run("other scope is whole document", func(t *testing.T) {
		page := &fakePage{links: map[string][]Link{"": docLinks, "main": mainLinks}}
		got, err := Links(context.Background(), page, "page")
		require.NoError(t, err)
		assert.Equal(t, "page", got.Scope)
		assert.Equal(t, 2, got.Count)
	})

	t.Run("no links is an empty list", func(t *testing.T) {
		page := &fakePage{}
		got, err := Links(context.Background(), page, "page")
		require.NoError(t, err)
		assert.NotNil(t, got.Links)
		assert.Zero(t, got.Count)
	})
}

func TestQuoteText(t *testing.T) {
	text := "Intro. This domain is for use in illustrative Examples in documents. Outro."

	t.Run("hit", func(t *testing.T) {
		got := QuoteText(text, "examples", 10, 0)
		assert.True(t, got.Found)
		assert.Equal(t, "ustrative Examples in docume", got.Context)
		assert.Equal(t, 10, got.ContextChars)
		assert.False(t, got.Truncated)
	})

	t.Run("miss", func(t *testing.T) {
		got := QuoteText(text, "absent", 10, 0)
		assert.Equal(t, QuoteResult{Query: "absent", ContextChars: 10}, got)
	})

	t.Run("window clipped at edges", func(t *testing.T) {
		got := QuoteText(text, "intro", 400, 0)
		assert.Equal(t, text, got.Context)
	})

	t.Run("max chars truncates", func(t *testing.T) {
		got := QuoteText(text, "Examples", 20, 5)
		assert.True(t, got.Found)
		assert.True(t, got.Truncated)
		assert.Equal(t, 5, utf8.RuneCountInString(got.Context))
	})

	t.Run("offsets survive multibyte text", func(t *testing.T) {
		got := QuoteText("ÄÖÜ straße ÉTÉ", "été", 2, 0)
		assert.True(t, got.Found)
		assert.Equal(t, "e ÉTÉ", got.Context)
	})
}

func TestQuote_ReadsBody(t *testing.T) {
	page := &fakePage{texts: map[string]string{"body": "alpha beta gamma"}}
	got, err := Quote(context.Background(), page, "BETA", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Context)
	assert.True(t, got.Found)
}
