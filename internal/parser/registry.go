// Package parser maps page URLs to site-specific extraction functions.
package parser

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// ParserFunc extracts the body text and the main-content links of a page.
type ParserFunc func(html []byte) (text string, links []string, err error)

// ParseError wraps a failure raised inside a parser, including recovered panics.
type ParseError struct {
	Parser string
	Err    error
	Stack  []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser %s: %v", e.Parser, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one registered parser.
type Entry struct {
	Name     string
	Fragment string
	Fn       ParserFunc
}

// Parse runs the parser and converts errors and panics into a *ParseError.
// On failure text and links are empty.
func (e Entry) Parse(html []byte) (text string, links []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, links = "", nil
			err = &ParseError{Parser: e.Name, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	if e.Fn == nil {
		return "", nil, &ParseError{Parser: e.Name, Err: fmt.Errorf("no parser function")}
	}
	text, links, err = e.Fn(html)
	if err != nil {
		return "", nil, &ParseError{Parser: e.Name, Err: err}
	}
	return text, links, nil
}

// Registry holds parsers matched by URL substring in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a parser for URLs containing fragment.
func (r *Registry) Register(name, fragment string, fn ParserFunc) error {
	name = strings.TrimSpace(name)
	fragment = strings.TrimSpace(fragment)
	if name == "" || fragment == "" {
		return fmt.Errorf("register parser: name and fragment are required")
	}
	if fn == nil {
		return fmt.Errorf("register parser %s: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Name: name, Fragment: fragment, Fn: fn})
	return nil
}

// Select returns the first registered parser whose fragment occurs in url.
func (r *Registry) Select(url string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.Contains(url, e.Fragment) {
			return e, true
		}
	}
	return Entry{}, false
}

// Names lists registered parser names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}
