// Package checkdiff extracts the prose a revision added to a page.
package checkdiff

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/copypatrol/copypatrol-backend/internal/wiki"
	"github.com/copypatrol/copypatrol-backend/internal/wikitext"
)

// minAddedChars is the smallest addition worth a similarity check, in
// characters. Applied to the raw new text, the extracted addition, and
// again after comment-link exclusion.
const minAddedChars = 500

// minRunChars is the smallest single diff run that counts as an
// addition, in characters.
const minRunChars = 50

// WikiClient is the slice of the wiki API the checker needs.
type WikiClient interface {
	Revisions(ctx context.Context, domain string, revIDs []uint64) (map[uint64]wiki.Revision, error)
	PageExists(ctx context.Context, domain, title string) (bool, error)
	PageRevisions(ctx context.Context, domain, title string, limit int) ([]wiki.Revision, error)
	SiteInfo(ctx context.Context, domain string) (wikitext.SiteInfo, error)
}

// Checker turns a pair of revision ids into the added-prose string.
type Checker struct {
	wiki   WikiClient
	logger zerolog.Logger

	mu       sync.Mutex
	cleaners map[string]*wikitext.Cleaner
}

// NewChecker returns a Checker backed by the given wiki client.
func NewChecker(client WikiClient, logger zerolog.Logger) *Checker {
	return &Checker{
		wiki:     client,
		logger:   logger.With().Str("component", "checkdiff").Logger(),
		cleaners: map[string]*wikitext.Cleaner{},
	}
}

func (c *Checker) cleaner(ctx context.Context, domain string) (*wikitext.Cleaner, error) {
	c.mu.Lock()
	cleaner, ok := c.cleaners[domain]
	c.mu.Unlock()
	if ok {
		return cleaner, nil
	}
	info, err := c.wiki.SiteInfo(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("site info for %s: %w", domain, err)
	}
	cleaner = wikitext.NewCleaner(info)
	c.mu.Lock()
	c.cleaners[domain] = cleaner
	c.mu.Unlock()
	return cleaner, nil
}

// Check compares two revisions of a page and returns the cleaned text
// the new revision added. An empty result with a nil error means the
// revision is not worth checking and its row should be dropped: the
// addition was too small, or the edit was a revert or was itself
// reverted.
func (c *Checker) Check(ctx context.Context, domain, title string, oldID, newID uint64) (string, error) {
	cleaner, err := c.cleaner(ctx, domain)
	if err != nil {
		return "", err
	}

	revIDs := []uint64{newID}
	if oldID > 0 {
		revIDs = append(revIDs, oldID)
	}
	revs, err := c.wiki.Revisions(ctx, domain, revIDs)
	if err != nil {
		return "", fmt.Errorf("load revisions: %w", err)
	}
	newRev, ok := revs[newID]
	if !ok {
		return "", fmt.Errorf("revision %d of %s not found", newID, title)
	}

	if c.tooSmall(newRev.Content, newID, title) {
		return "", nil
	}

	var added string
	if oldID > 0 {
		if hasAnyTag(newRev.Tags, "mw-rollback") || hasAnyTag(newRev.Tags, "mw-undo", "twinkle") {
			c.logger.Debug().Uint64("rev_id", newID).Str("title", title).
				Msg("revision was a revert")
			return "", nil
		}
		if hasAnyTag(newRev.Tags, "mw-reverted") {
			c.logger.Debug().Uint64("rev_id", newID).Str("title", title).
				Msg("revision was reverted")
			return "", nil
		}
		oldRev, ok := revs[oldID]
		if !ok {
			return "", fmt.Errorf("revision %d of %s not found", oldID, title)
		}
		added = AddedText(cleaner, oldRev.Content, newRev.Content)
	} else {
		// Page creation: the whole cleaned text is the addition.
		added = cleaner.Clean(newRev.Content)
	}
	if c.tooSmall(added, newID, title) {
		return "", nil
	}

	if !newRev.CommentHidden && newRev.Comment != "" {
		added, err = c.dropLinkedPageText(ctx, cleaner, domain, newRev.Comment, added)
		if err != nil {
			return "", err
		}
		if c.tooSmall(added, newID, title) {
			return "", nil
		}
	}
	return added, nil
}

// AddedText diffs two cleaned texts character-wise and concatenates the
// inserted runs longer than 50 characters that do not appear anywhere
// in the old text.
func AddedText(cleaner *wikitext.Cleaner, old, new string) string {
	oldClean := cleaner.Clean(old)
	newClean := cleaner.Clean(new)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldClean, newClean, false))
	var parts []string
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffInsert {
			continue
		}
		if utf8.RuneCountInString(d.Text) <= minRunChars {
			continue
		}
		if strings.Contains(oldClean, d.Text) {
			continue
		}
		parts = append(parts, strings.Trim(d.Text, " "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// dropLinkedPageText removes lines that appear verbatim in a page named
// by the edit summary. Editors splitting or merging pages link the
// source page in the summary; that text is not new prose.
func (c *Checker) dropLinkedPageText(ctx context.Context, cleaner *wikitext.Cleaner, domain, comment, added string) (string, error) {
	for _, target := range wikitext.LinkTargets(comment) {
		exists, err := c.wiki.PageExists(ctx, domain, target)
		if err != nil {
			return "", fmt.Errorf("page exists %q: %w", target, err)
		}
		if !exists {
			continue
		}
		linkedRevs, err := c.wiki.PageRevisions(ctx, domain, target, 2)
		if err != nil {
			return "", fmt.Errorf("revisions of %q: %w", target, err)
		}
		for _, rev := range linkedRevs {
			linkedText := cleaner.Clean(rev.Content)
			var kept []string
			for _, line := range strings.Split(added, "\n") {
				if strings.TrimSpace(line) == "" || !strings.Contains(linkedText, line) {
					kept = append(kept, line)
				}
			}
			added = strings.Join(kept, "\n")
		}
	}
	return added, nil
}

func (c *Checker) tooSmall(text string, revID uint64, title string) bool {
	if utf8.RuneCountInString(text) < minAddedChars {
		c.logger.Debug().Uint64("rev_id", revID).Str("title", title).
			Msg("revision too small to compare")
		return true
	}
	return false
}

func hasAnyTag(tags []string, wanted ...string) bool {
	for _, tag := range tags {
		for _, w := range wanted {
			if tag == w {
				return true
			}
		}
	}
	return false
}
