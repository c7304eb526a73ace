package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var whitespaceRun = regexp.MustCompile(`[ \t\f\v\r\x{00a0}]+`)

const noiseSelectors = "script, style, noscript, template, iframe, svg, canvas"

// ReadableText renders the main content of an HTML document as plain text,
// one block per line. pageURL resolves relative links inside the document
// and may be empty. When readability finds no article the visible body text
// is returned instead.
func ReadableText(markup, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	article, err := readability.FromDocument(doc.Nodes[0], baseURL(pageURL))
	if err == nil && article.Node != nil {
		if text := blockText(article.Node); text != "" {
			return text, nil
		}
	}

	doc.Find(noiseSelectors).Remove()
	body := doc.Find("body")
	if body.Length() == 0 {
		return blockText(doc.Nodes...), nil
	}
	return blockText(body.Nodes...), nil
}

func baseURL(raw string) *url.URL {
	if u, err := url.Parse(raw); err == nil && raw != "" {
		return u
	}
	return &url.URL{Scheme: "about", Opaque: "blank"}
}

var blockAtoms = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Blockquote: true, atom.Br: true,
	atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true, atom.Figcaption: true,
	atom.Figure: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Hr: true, atom.Li: true, atom.Main: true,
	atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true,
	atom.Tr: true, atom.Ul: true,
}

// blockText renders nodes as text with a line break at every block boundary.
func blockText(nodes ...*html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.CommentNode:
			return
		case html.ElementNode:
			switch {
			case n.DataAtom == atom.Script || n.DataAtom == atom.Style:
				return
			case blockAtoms[n.DataAtom]:
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
				defer b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		line = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
