// Package links extracts anchor hrefs from a page and classifies them for traversal.
//
// Two forms of every link are kept: the literal href (after trimming one trailing
// slash), which is what records store, and for internal links the absolute URL
// resolved against the page, which is what the frontier receives.
package links

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Set is the result of extracting the links of one page.
type Set struct {
	// Raw holds every distinct normalized href in document order.
	Raw []string
	// Internal holds the resolved absolute URLs of internal links.
	Internal []string
	// External holds the literal hrefs that are not internal.
	External []string
}

// Extract parses html and classifies its anchors relative to pageURL.
func Extract(html []byte, pageURL *url.URL) (Set, error) {
	if pageURL == nil {
		return Set{}, fmt.Errorf("extract links: page url is nil")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Set{}, fmt.Errorf("extract links: %w", err)
	}

	hrefs := make([]string, 0, 32)
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		hrefs = append(hrefs, href)
	})
	return Classify(hrefs, pageURL), nil
}

// Classify normalizes already-collected hrefs and splits them into internal and external.
func Classify(hrefs []string, pageURL *url.URL) Set {
	domain := DomainURL(pageURL)
	set := Set{}
	seenRaw := make(map[string]struct{}, len(hrefs))
	seenInternal := make(map[string]struct{}, len(hrefs))

	for _, href := range hrefs {
		link := Normalize(href)
		if link == "" {
			continue
		}
		if _, dup := seenRaw[link]; dup {
			continue
		}
		seenRaw[link] = struct{}{}
		set.Raw = append(set.Raw, link)

		if !IsInternal(link, domain) {
			set.External = append(set.External, link)
			continue
		}
		abs, err := Resolve(pageURL, link)
		if err != nil {
			continue
		}
		key := abs.String()
		if _, dup := seenInternal[key]; dup {
			continue
		}
		seenInternal[key] = struct{}{}
		set.Internal = append(set.Internal, key)
	}
	return set
}

// Normalize strips exactly one trailing slash and returns "" for links of length <= 1.
func Normalize(href string) string {
	link := strings.TrimSuffix(href, "/")
	if len(link) <= 1 {
		return ""
	}
	return link
}

// IsInternal reports whether link belongs to the site rooted at domainURL: it is
// root-relative or contains the domain URL.
func IsInternal(link, domainURL string) bool {
	if strings.HasPrefix(link, "/") {
		return true
	}
	return domainURL != "" && strings.Contains(link, domainURL)
}

// Resolve turns link into an absolute URL relative to base, without fragment.
func Resolve(base *url.URL, link string) (*url.URL, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", link, err)
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Host == "" {
		return nil, fmt.Errorf("resolve %q: no host", link)
	}
	return abs, nil
}

// DomainURL returns scheme://host of u with the host lower-cased.
func DomainURL(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}
