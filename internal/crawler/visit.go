package crawler

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"drrcrawler/internal/config"
	"drrcrawler/internal/fetcher"
	"drrcrawler/internal/links"
	"drrcrawler/internal/parser"
	"drrcrawler/pkg/types"
)

// Outcome is the result of visiting one frontier entry. Exactly one of Record,
// Skip and Err describes the page; Internal carries the links to follow.
type Outcome struct {
	Entry types.FrontierEntry
	// FinalURL is where the page was served from after redirects.
	FinalURL *url.URL
	// SeedDomain is the domain children of this page are scoped to.
	SeedDomain string
	Record     *types.PageRecord
	Skip       types.SkipReason
	Err        error
	Internal   []string
}

// Worker fetches and parses single pages. It holds no crawl state and is safe
// for concurrent use.
type Worker struct {
	fetcher   fetcher.Fetcher
	registry  *parser.Registry
	unmatched string
	onError   string
	keywords  config.KeywordConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker builds a worker from its collaborators and the parser and keyword policies.
func NewWorker(f fetcher.Fetcher, registry *parser.Registry, parsers config.ParsersConfig, keywords config.KeywordConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = parser.NewRegistry()
	}
	return &Worker{
		fetcher:   f,
		registry:  registry,
		unmatched: parsers.Unmatched,
		onError:   parsers.OnError,
		keywords:  keywords,
		logger:    logger,
		now:       time.Now,
	}
}

// Visit fetches entry and turns the page into a record.
func (w *Worker) Visit(ctx context.Context, entry types.FrontierEntry) Outcome {
	out := Outcome{Entry: entry, SeedDomain: entry.SeedDomain}
	log := w.logger.With("url", entry.URL.String(), "seed", entry.SeedDomain)

	page, err := w.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		out.Err = err
		return out
	}
	final := page.Location()
	out.FinalURL = final
	domain := links.DomainURL(final)

	// A seed defines its own scope, including when it redirects to another host.
	if entry.Depth == 0 {
		out.SeedDomain = domain
	} else if domain != entry.SeedDomain {
		log.Debug("page left seed domain", "final_url", final.String(), "domain", domain)
		out.Skip = types.SkipDomainMismatch
		return out
	}

	selected, matched := w.registry.Select(final.String())
	if !matched && w.unmatched == config.UnmatchedSkip {
		log.Debug("no parser for page")
		out.Skip = types.SkipNoParser
		return out
	}

	set, err := links.Extract(page.Body, final)
	if err != nil {
		log.Warn("link extraction failed", "error", err)
		set = links.Set{}
	}
	out.Internal = set.Internal

	var (
		text      string
		pageLinks []string
		fullText  string
		haveFull  bool
		org       string
	)
	switch {
	case matched:
		org = selected.Name
		text, pageLinks, err = selected.Parse(page.Body)
		if err != nil {
			log.Warn("parser failed", "parser", selected.Name, "error", err)
			if w.onError == config.OnErrorSkip {
				out.Skip = types.SkipParseError
				return out
			}
		}
	case w.unmatched == config.UnmatchedGeneric:
		generic := parser.Entry{Name: "generic", Fn: parser.Generic}
		org = generic.Name
		text, pageLinks, err = generic.Parse(page.Body)
		if err != nil {
			log.Warn("generic parser failed", "error", err)
			if w.onError == config.OnErrorSkip {
				out.Skip = types.SkipParseError
				return out
			}
		} else {
			fullText, haveFull = text, true
		}
	}

	var keywords []string
	if len(w.keywords.Terms) > 0 {
		if !haveFull {
			fullText, _, err = parser.Generic(page.Body)
			if err != nil {
				log.Debug("full text extraction failed", "error", err)
			}
		}
		keywords = parser.MatchKeywords(fullText, w.keywords.Terms)
		if len(keywords) == 0 && w.keywords.RequireMatch {
			out.Skip = types.SkipNoKeywordMatch
			return out
		}
	}

	raw := set.Raw
	if raw == nil {
		raw = []string{}
	}
	out.Record = &types.PageRecord{
		URL:             final.String(),
		DomainURL:       domain,
		Links:           raw,
		PageLinks:       normalizePageLinks(pageLinks),
		PageText:        text,
		DateOfAccess:    w.now().Format(types.DateLayout),
		KeywordsMatched: keywords,
		Org:             org,
	}
	return out
}

// normalizePageLinks applies the link normalizer and drops duplicates, keeping order.
func normalizePageLinks(hrefs []string) []string {
	out := make([]string, 0, len(hrefs))
	seen := make(map[string]struct{}, len(hrefs))
	for _, href := range hrefs {
		link := links.Normalize(href)
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}
