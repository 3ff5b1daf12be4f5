package indexer

import (
	"fmt"
	"strings"

	"drrcrawler/pkg/types"
)

// Fields lists every field a document must carry, in mapping order.
var Fields = []string{"id", "url", "domain_url", "text", "org", "page_links", "type"}

// Mapping returns the index body used when creating the index.
func Mapping() map[string]any {
	flex := map[string]any{
		"flex": map[string]any{"type": "text", "analyzer": "english"},
	}
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":         map[string]any{"type": "keyword"},
				"url":        map[string]any{"type": "keyword", "fields": flex},
				"domain_url": map[string]any{"type": "keyword"},
				"text":       map[string]any{"type": "text", "analyzer": "english"},
				"org":        map[string]any{"type": "keyword"},
				"page_links": map[string]any{"type": "keyword", "fields": flex},
				"type":       map[string]any{"type": "keyword"},
			},
		},
	}
}

// Document is a search document keyed by field name.
type Document map[string]any

// ID returns the document id or "" when unset.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Project keeps only the mapped fields.
func (d Document) Project() Document {
	out := make(Document, len(Fields))
	for _, f := range Fields {
		if v, ok := d[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Documents converts crawl records into documents. Records without an org get
// one derived from their domain; records without an id get one from a
// per-org sequence. Empty url, domain_url, org and type values are left unset.
func Documents(records []types.PageRecord, docType string) []Document {
	taken := make(map[string]struct{})
	for _, rec := range records {
		if rec.ID != "" {
			taken[rec.ID] = struct{}{}
		}
	}
	seq := newIDSequencer(taken)

	docs := make([]Document, 0, len(records))
	for _, rec := range records {
		org := rec.Org
		if org == "" {
			org = OrgFromDomain(rec.DomainURL)
		}
		id := rec.ID
		if id == "" {
			id = seq.nextID(org)
		}
		pageLinks := rec.PageLinks
		if pageLinks == nil {
			pageLinks = []string{}
		}
		doc := Document{
			"id":         id,
			"text":       rec.PageText,
			"page_links": pageLinks,
		}
		// Empty identifying fields stay unset so Verify reports them.
		setNonEmpty(doc, "url", rec.URL)
		setNonEmpty(doc, "domain_url", rec.DomainURL)
		setNonEmpty(doc, "org", org)
		setNonEmpty(doc, "type", docType)
		docs = append(docs, doc)
	}
	return docs
}

func setNonEmpty(doc Document, field, value string) {
	if value != "" {
		doc[field] = value
	}
}

// MissingField names a required field absent from a document.
type MissingField struct {
	Index int
	ID    string
	Field string
}

func (m MissingField) String() string {
	if m.ID != "" {
		return fmt.Sprintf("%s: missing %s", m.ID, m.Field)
	}
	return fmt.Sprintf("document %d: missing %s", m.Index, m.Field)
}

// Verify reports every required field that is absent or nil.
func Verify(docs []Document) []MissingField {
	var missing []MissingField
	for i, doc := range docs {
		for _, f := range Fields {
			if v, ok := doc[f]; !ok || v == nil {
				missing = append(missing, MissingField{Index: i, ID: doc.ID(), Field: f})
			}
		}
	}
	return missing
}

// Backfill sets absent fields to empty values in place.
func Backfill(docs []Document) {
	for _, doc := range docs {
		for _, f := range Fields {
			if v, ok := doc[f]; !ok || v == nil {
				if f == "page_links" {
					doc[f] = []string{}
				} else {
					doc[f] = ""
				}
			}
		}
	}
}

// VerifyError aborts a load when verification is enabled.
type VerifyError struct {
	Missing []MissingField
}

func (e *VerifyError) Error() string {
	parts := make([]string, 0, min(len(e.Missing), 5))
	for i, m := range e.Missing {
		if i == 5 {
			break
		}
		parts = append(parts, m.String())
	}
	suffix := ""
	if len(e.Missing) > 5 {
		suffix = fmt.Sprintf(" (and %d more)", len(e.Missing)-5)
	}
	return "document verification failed: " + strings.Join(parts, "; ") + suffix
}

// Prepare verifies docs when verify is set and backfills them otherwise.
func Prepare(docs []Document, verify bool) error {
	if verify {
		if missing := Verify(docs); len(missing) > 0 {
			return &VerifyError{Missing: missing}
		}
		return nil
	}
	Backfill(docs)
	return nil
}
