package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/copypatrol/copypatrol-backend/internal/database"
)

// fatalError marks configuration and privilege failures that must abort
// the whole pass rather than just the row.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// submitPageTriage flags a READY revision in the PageTriage queue.
// A missing extension or user right is fatal; an API refusal is logged
// and swallowed.
func (d *Driver) submitPageTriage(ctx context.Context, domain string, diff *database.Diff) error {
	hasExt, err := d.wiki.HasExtension(ctx, domain, "PageTriage")
	if err != nil {
		return err
	}
	if !hasExt {
		return fatalError{fmt.Errorf("PageTriage is not enabled on %s", domain)}
	}
	hasRight, err := d.wiki.HasRight(ctx, domain, "pagetriage-copyvio")
	if err != nil {
		return err
	}
	if !hasRight {
		return fatalError{fmt.Errorf("missing pagetriage-copyvio right on %s", domain)}
	}

	title, err := d.prefixedTitle(ctx, domain, diff)
	if err != nil {
		return err
	}
	pageID, exists, err := d.wiki.PageID(ctx, domain, title)
	if err != nil {
		return err
	}
	if !exists {
		d.logger.Warn().Str("title", title).Msg("page gone before pagetriage submission")
		return nil
	}
	missingMetadata, err := d.wiki.PageTriageList(ctx, domain, pageID)
	if err != nil {
		return err
	}
	if missingMetadata {
		// The queue has no metadata for the page yet; nothing to tag.
		return nil
	}

	token, err := d.wiki.CSRFToken(ctx, domain)
	if err != nil {
		return err
	}
	if err := d.wiki.PageTriageTagCopyvio(ctx, domain, diff.RevID, token); err != nil {
		d.logger.Error().Err(err).
			Uint64("rev_id", diff.RevID).
			Msg("failed to add revision to PageTriage")
		return nil
	}
	d.logger.Info().Uint64("rev_id", diff.RevID).Msg("revision added to PageTriage")
	return nil
}
