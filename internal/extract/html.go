// Package extract turns web pages into text and metadata fields.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"capsync/internal/capsync"
)

// Source fetches the HTML of a page.
type Source interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTMLExtractor parses page HTML, picks the main content and converts it
// to markdown. Pages that arrive with HTML are not fetched again.
type HTMLExtractor struct {
	source    Source
	converter *converter.Converter
}

// NewHTMLExtractor creates an extractor. source may be nil when every page
// is supplied with its HTML.
func NewHTMLExtractor(source Source) *HTMLExtractor {
	return &HTMLExtractor{
		source: source,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

var _ capsync.Extractor = (*HTMLExtractor)(nil)

// Extract implements capsync.Extractor.
func (e *HTMLExtractor) Extract(ctx context.Context, page capsync.PageHandle) (*capsync.Extraction, error) {
	raw := page.HTML
	if raw == "" {
		if e.source == nil {
			return nil, &capsync.ExtractionError{URL: page.URL, Err: fmt.Errorf("no html supplied and no source configured")}
		}
		var err error
		if raw, err = e.source.Fetch(ctx, page.URL); err != nil {
			return nil, &capsync.ExtractionError{URL: page.URL, Err: err}
		}
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, &capsync.ExtractionError{URL: page.URL, Err: fmt.Errorf("parsing html: %w", err)}
	}

	fields := readFields(doc)
	content := mainContent(doc)
	prune(content)

	text := e.toMarkdown(content, page.URL)
	if strings.TrimSpace(text) == "" {
		text = collectText(content)
	}
	return &capsync.Extraction{Text: text, Fields: fields}, nil
}

func (e *HTMLExtractor) toMarkdown(n *html.Node, pageURL string) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	opts := []converter.ConvertOptionFunc{}
	if pageURL != "" {
		opts = append(opts, converter.WithDomain(pageURL))
	}
	md, err := e.converter.ConvertString(buf.String(), opts...)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}

// readFields collects title, author, description, keywords and language
// from the document head. Open Graph values fill gaps.
func readFields(doc *html.Node) capsync.Fields {
	var f capsync.Fields
	var ogTitle, ogDescription string

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.DataAtom {
		case atom.Html:
			f.Language = strings.TrimSpace(attr(n, "lang"))
		case atom.Title:
			if f.Title == "" {
				f.Title = strings.TrimSpace(collectText(n))
			}
			return false
		case atom.Meta:
			content := strings.TrimSpace(attr(n, "content"))
			switch strings.ToLower(attr(n, "name")) {
			case "author":
				f.Author = content
			case "description":
				f.Description = content
			case "keywords":
				f.Keywords = splitKeywords(content)
			}
			switch strings.ToLower(attr(n, "property")) {
			case "og:title":
				ogTitle = content
			case "og:description":
				ogDescription = content
			case "article:author":
				if f.Author == "" {
					f.Author = content
				}
			}
		case atom.Body:
			return false
		}
		return true
	})

	if f.Title == "" {
		f.Title = ogTitle
	}
	if f.Description == "" {
		f.Description = ogDescription
	}
	return f
}

func splitKeywords(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// mainContent returns the first <main> or <article> element, else <body>,
// else the document.
func mainContent(doc *html.Node) *html.Node {
	var landmark, body *html.Node
	walk(doc, func(n *html.Node) bool {
		if landmark != nil {
			return false
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Main, atom.Article:
				landmark = n
				return false
			case atom.Body:
				body = n
			}
		}
		return true
	})
	switch {
	case landmark != nil:
		return landmark
	case body != nil:
		return body
	default:
		return doc
	}
}

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
}

// prune removes boilerplate and hidden subtrees in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if isBoilerplate(c) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func isBoilerplate(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
	default:
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header,
		atom.Aside, atom.Form, atom.Iframe, atom.Template, atom.Svg:
		return true
	}
	if _, ok := attrOK(n, "hidden"); ok {
		return true
	}
	if strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return true
	}
	style := attr(n, "style")
	for _, pat := range hiddenStylePatterns {
		if pat.MatchString(style) {
			return true
		}
	}
	return false
}

// collectText extracts all text from a node subtree, one space between
// text nodes.
func collectText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(n *html.Node) bool {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		return !(n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style))
	})
	return sb.String()
}

// walk visits n and its descendants depth-first. fn returning false skips
// the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
