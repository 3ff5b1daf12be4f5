package indexer

import (
	"fmt"
	"net/url"
	"strings"
)

// FormatID renders a document id as the organisation followed by a
// zero-padded sequence number, e.g. drmkc00188.
func FormatID(org string, seq int) string {
	return fmt.Sprintf("%s%05d", org, seq)
}

// OrgFromDomain derives the organisation label from a domain url by taking
// the first host label after an optional www prefix.
func OrgFromDomain(domainURL string) string {
	host := domainURL
	if u, err := url.Parse(domainURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

// idSequencer hands out per-organisation sequence numbers, skipping ids that
// are already taken by explicitly identified records.
type idSequencer struct {
	next  map[string]int
	taken map[string]struct{}
}

func newIDSequencer(taken map[string]struct{}) *idSequencer {
	return &idSequencer{next: make(map[string]int), taken: taken}
}

func (s *idSequencer) nextID(org string) string {
	for {
		s.next[org]++
		id := FormatID(org, s.next[org])
		if _, ok := s.taken[id]; !ok {
			s.taken[id] = struct{}{}
			return id
		}
	}
}
