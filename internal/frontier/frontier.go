// Package frontier holds the mutable crawl state: the queue of URLs waiting to be
// fetched and the set of URLs already seen.
package frontier

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"drrcrawler/pkg/types"
)

// Frontier is a FIFO queue of pending entries plus an append-only visited set.
// Push performs the visited check and the insert under one lock, so the same
// URL discovered concurrently by two pages is queued once.
type Frontier struct {
	mu      sync.Mutex
	queue   []types.FrontierEntry
	head    int
	visited map[string]struct{}
}

// New creates an empty frontier.
func New() *Frontier {
	return &Frontier{visited: make(map[string]struct{})}
}

// Push enqueues entry unless its URL is already visited. It reports whether the
// entry was added.
func (f *Frontier) Push(entry types.FrontierEntry) bool {
	if entry.URL == nil {
		return false
	}
	key := Key(entry.URL)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	f.queue = append(f.queue, entry)
	return true
}

// Pop removes the oldest pending entry.
func (f *Frontier) Pop() (types.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head >= len(f.queue) {
		return types.FrontierEntry{}, false
	}
	entry := f.queue[f.head]
	f.queue[f.head] = types.FrontierEntry{}
	f.head++
	if f.head > 1024 && f.head*2 >= len(f.queue) {
		f.queue = append([]types.FrontierEntry(nil), f.queue[f.head:]...)
		f.head = 0
	}
	return entry, true
}

// Drain discards every pending entry and returns how many were dropped.
// Dropped URLs stay in the visited set.
func (f *Frontier) Drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.queue) - f.head
	f.queue = nil
	f.head = 0
	return n
}

// MarkVisited records u as seen without queueing it. It reports whether u was new.
func (f *Frontier) MarkVisited(u *url.URL) bool {
	if u == nil {
		return false
	}
	key := Key(u)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	return true
}

// Visited reports whether u has been queued or fetched before.
func (f *Frontier) Visited(u *url.URL) bool {
	if u == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[Key(u)]
	return ok
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// VisitedCount returns the size of the visited set.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Key canonicalises u for dedup: lower-case scheme and host, default ports and
// fragment dropped, empty path treated as "/".
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
