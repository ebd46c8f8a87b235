package models

import (
	"fmt"
	"strings"
	"time"
)

// RevisionCreate is a single mediawiki.revision-create event from the
// EventStreams feed. Only the fields the ingester consumes are mapped.
type RevisionCreate struct {
	Meta struct {
		Domain string `json:"domain"`
		URI    string `json:"uri"`
		Stream string `json:"stream"`
	} `json:"meta"`
	PageID            int64     `json:"page_id"`
	PageNamespace     int       `json:"page_namespace"`
	PageTitle         string    `json:"page_title"`
	RevID             uint64    `json:"rev_id"`
	RevParentID       uint64    `json:"rev_parent_id"`
	RevTimestamp      time.Time `json:"rev_timestamp"`
	RevLen            int       `json:"rev_len"`
	RevContentChanged bool      `json:"rev_content_changed"`
	Performer         struct {
		UserText  string `json:"user_text"`
		UserIsBot bool   `json:"user_is_bot"`
	} `json:"performer"`
}

// Site splits the event's domain into (lang, project), e.g.
// "en.wikipedia.org" -> ("en", "wikipedia") and "www.wikidata.org" ->
// ("wikidata", "wikidata").
func (e *RevisionCreate) Site() (lang, project string) {
	return SplitDomain(e.Meta.Domain)
}

// SplitDomain splits a wiki domain into its language code and project
// family.
func SplitDomain(domain string) (lang, project string) {
	parts := strings.Split(strings.TrimSuffix(domain, ".org"), ".")
	switch {
	case len(parts) >= 2 && parts[0] == "www":
		return parts[1], parts[1]
	case len(parts) >= 2:
		return parts[0], parts[1]
	default:
		return parts[0], parts[0]
	}
}

// Validate checks the fields the pipeline depends on.
func (e *RevisionCreate) Validate() error {
	if e.Meta.Domain == "" {
		return fmt.Errorf("meta.domain is required")
	}
	if e.PageTitle == "" {
		return fmt.Errorf("page_title is required")
	}
	if e.RevID == 0 {
		return fmt.Errorf("rev_id is required")
	}
	if e.RevTimestamp.IsZero() {
		return fmt.Errorf("rev_timestamp is required")
	}
	return nil
}
