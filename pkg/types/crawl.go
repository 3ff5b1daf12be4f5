package types

import (
	"net/http"
	"net/url"
	"time"
)

// FrontierEntry models a work item waiting in the crawl frontier.
type FrontierEntry struct {
	URL        *url.URL
	SeedDomain string
	Depth      int
	EnqueuedAt time.Time
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	ResponseLatency time.Duration
}

// Location returns the URL the page was finally served from.
func (p *Page) Location() *url.URL {
	if p == nil {
		return nil
	}
	if p.FinalURL != nil {
		return p.FinalURL
	}
	return p.URL
}

// DateLayout is the layout used for PageRecord.DateOfAccess.
const DateLayout = "2006-01-02"

// PageRecord is the structured output produced for every parsed page.
type PageRecord struct {
	ID              string   `json:"id,omitempty"`
	URL             string   `json:"url"`
	DomainURL       string   `json:"domain_url"`
	Links           []string `json:"links"`
	PageLinks       []string `json:"page_links"`
	PageText        string   `json:"text"`
	DateOfAccess    string   `json:"date-of-access"`
	KeywordsMatched []string `json:"keywords_matched,omitempty"`
	Org             string   `json:"org,omitempty"`
}

// CrawlState is the lifecycle state of one seed's sub-crawl.
type CrawlState string

const (
	StatePending CrawlState = "PENDING"
	StateActive  CrawlState = "ACTIVE"
	StateDrained CrawlState = "DRAINED"
	StateDone    CrawlState = "DONE"
)

// SkipReason explains why a visited page produced no record.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipDomainMismatch SkipReason = "domain_mismatch"
	SkipNoParser       SkipReason = "no_parser"
	SkipParseError     SkipReason = "parse_error"
	SkipNoKeywordMatch SkipReason = "no_keyword_match"
	SkipDuplicate      SkipReason = "duplicate"
)
