package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"drrcrawler/internal/config"
)

// Selectors of the main content area on the known portals.
const (
	UNDRRSelector = "div#main-content"
	DRMKCSelector = "body > form > div"
)

// DefaultRegistry returns the registry for the known disaster-risk-reduction portals.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("unddr", "unddr.org", MustSelectorParser(UNDRRSelector))
	_ = r.Register("drmkc", "drmkc.jrc.ec", MustSelectorParser(DRMKCSelector))
	return r
}

// FromConfig builds a registry from the built-in portals followed by configured sites.
func FromConfig(cfg config.ParsersConfig) (*Registry, error) {
	r := NewRegistry()
	if cfg.Builtin {
		r = DefaultRegistry()
	}
	for _, site := range cfg.Sites {
		fn, err := SelectorParser(site.Selector)
		if err != nil {
			return nil, fmt.Errorf("parser %s: %w", site.Name, err)
		}
		if err := r.Register(site.Name, site.Match, fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SelectorParser returns a parser that reads the text and links below every element
// matching selector. Each text node is trimmed and non-empty ones are joined by newlines.
func SelectorParser(selector string) (ParserFunc, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	return func(raw []byte) (string, []string, error) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
		if err != nil {
			return "", nil, fmt.Errorf("parse html: %w", err)
		}
		content := doc.FindMatcher(matcher)

		var lines []string
		for _, node := range content.Nodes {
			lines = collectTextLines(node, lines)
		}

		var hrefs []string
		content.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			hrefs = append(hrefs, href)
		})
		return strings.Join(lines, "\n"), hrefs, nil
	}, nil
}

// MustSelectorParser is SelectorParser for selectors known to be valid.
func MustSelectorParser(selector string) ParserFunc {
	fn, err := SelectorParser(selector)
	if err != nil {
		panic(err)
	}
	return fn
}

func collectTextLines(node *html.Node, lines []string) []string {
	switch node.Type {
	case html.TextNode:
		if line := strings.TrimSpace(node.Data); line != "" {
			lines = append(lines, line)
		}
	case html.ElementNode:
		if _, skip := nonContentTags[strings.ToLower(node.Data)]; skip {
			return lines
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		lines = collectTextLines(child, lines)
	}
	return lines
}

var nonContentTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
}
