// Package pipeline drives tracked revisions through the submission
// state machine: UNSUBMITTED -> CREATED -> UPLOADED -> PENDING -> READY.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/copypatrol/copypatrol-backend/internal/config"
	"github.com/copypatrol/copypatrol-backend/internal/database"
	"github.com/copypatrol/copypatrol-backend/internal/metrics"
	"github.com/copypatrol/copypatrol-backend/internal/tca"
	"github.com/copypatrol/copypatrol-backend/internal/wikitext"
)

// SimilarityClient is the slice of the TCA client the driver calls.
type SimilarityClient interface {
	CreateSubmission(ctx context.Context, site, title string, timestamp time.Time, owner string) (uuid.UUID, error)
	UploadSubmission(ctx context.Context, sid uuid.UUID, text []byte) error
	SubmissionInfo(ctx context.Context, sid uuid.UUID) (tca.SubmissionInfo, error)
	GenerateReport(ctx context.Context, sid uuid.UUID) error
	ReportSources(ctx context.Context, sid uuid.UUID) ([]database.Source, error)
}

// Checker extracts a revision's added prose; an empty result means the
// row should be dropped.
type Checker interface {
	Check(ctx context.Context, domain, title string, oldID, newID uint64) (string, error)
}

// WikiClient is the slice of the wiki API the driver calls directly.
type WikiClient interface {
	SiteInfo(ctx context.Context, domain string) (wikitext.SiteInfo, error)
	PageText(ctx context.Context, domain, title string) (string, error)
	PageID(ctx context.Context, domain, title string) (int64, bool, error)
	HasExtension(ctx context.Context, domain, name string) (bool, error)
	HasRight(ctx context.Context, domain, right string) (bool, error)
	CSRFToken(ctx context.Context, domain string) (string, error)
	PageTriageList(ctx context.Context, domain string, pageID int64) (bool, error)
	PageTriageTagCopyvio(ctx context.Context, domain string, revID uint64, token string) error
}

// Driver runs the pipeline passes. Failures on one row are logged and
// swallowed at the row boundary so the rest of the pass continues.
type Driver struct {
	cfg     *config.Config
	store   *database.Store
	wiki    WikiClient
	tca     SimilarityClient
	checker Checker
	logger  zerolog.Logger
}

// NewDriver wires the pipeline together.
func NewDriver(cfg *config.Config, store *database.Store, wiki WikiClient, similarity SimilarityClient, checker Checker, logger zerolog.Logger) *Driver {
	return &Driver{
		cfg:     cfg,
		store:   store,
		wiki:    wiki,
		tca:     similarity,
		checker: checker,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// CheckChanges processes UNSUBMITTED and CREATED rows: extract the
// added text, create the submission if needed, and upload.
func (d *Driver) CheckChanges(ctx context.Context) error {
	diffs, err := d.store.DiffsByStatus(ctx, database.StatusUnsubmitted, database.StatusCreated)
	if err != nil {
		return err
	}
	for i := range diffs {
		if err := d.checkOne(ctx, &diffs[i]); err != nil {
			metrics.PipelineErrorsTotal.WithLabelValues("check").Inc()
			d.logger.Error().Err(err).
				Uint64("rev_id", diffs[i].RevID).
				Str("title", diffs[i].PageTitle).
				Msg("check-changes row failed")
		}
	}
	return nil
}

func (d *Driver) checkOne(ctx context.Context, diff *database.Diff) error {
	domain := diff.Domain()
	title, err := d.prefixedTitle(ctx, domain, diff)
	if err != nil {
		return err
	}

	text, err := d.checker.Check(ctx, domain, title, diff.RevParentID, diff.RevID)
	if err != nil {
		return err
	}
	if text == "" {
		metrics.DiffsSkippedTotal.Inc()
		metrics.DiffsDeletedTotal.WithLabelValues("skip").Inc()
		return d.store.DeleteDiff(ctx, diff.DiffID)
	}

	if diff.SubmissionID == nil {
		sid, err := d.tca.CreateSubmission(ctx,
			diff.Project+":"+diff.Lang,
			fmt.Sprintf("Revision %d of %s", diff.RevID, title),
			diff.RevTimestamp.Time,
			diff.RevUserText)
		if err != nil {
			// Row stays UNSUBMITTED for the next pass.
			return fmt.Errorf("create submission: %w", err)
		}
		if err := d.store.SetSubmission(ctx, diff.DiffID, sid); err != nil {
			return err
		}
		diff.SubmissionID = &sid
		metrics.SubmissionsCreatedTotal.Inc()
	}

	if err := d.tca.UploadSubmission(ctx, *diff.SubmissionID, []byte(text)); err != nil {
		// Row stays CREATED; the upload is retried with the same
		// submission id on the next pass.
		return fmt.Errorf("upload submission: %w", err)
	}
	metrics.SubmissionsUploadedTotal.Inc()
	return d.store.SetStatus(ctx, diff.DiffID, database.StatusUploaded)
}

// Reports runs both report passes: PENDING rows first, then UPLOADED
// rows, so freshly generated reports are collected on the next run.
func (d *Driver) Reports(ctx context.Context) error {
	if err := d.CheckReports(ctx); err != nil {
		return err
	}
	return d.GenerateReports(ctx)
}

// GenerateReports processes UPLOADED rows: once the service finishes
// processing the upload, request a similarity report.
func (d *Driver) GenerateReports(ctx context.Context) error {
	diffs, err := d.store.DiffsByStatus(ctx, database.StatusUploaded)
	if err != nil {
		return err
	}
	for i := range diffs {
		if err := d.generateOne(ctx, &diffs[i]); err != nil {
			metrics.PipelineErrorsTotal.WithLabelValues("generate").Inc()
			d.logger.Error().Err(err).
				Uint64("rev_id", diffs[i].RevID).
				Msg("reports row failed")
		}
	}
	return nil
}

func (d *Driver) generateOne(ctx context.Context, diff *database.Diff) error {
	sid := *diff.SubmissionID
	info, err := d.tca.SubmissionInfo(ctx, sid)
	if err != nil {
		return err
	}
	switch info.Status {
	case tca.SubmissionComplete:
		if err := d.tca.GenerateReport(ctx, sid); err != nil {
			return err
		}
		metrics.ReportsGeneratedTotal.Inc()
		return d.store.SetStatus(ctx, diff.DiffID, database.StatusPending)
	case tca.SubmissionError:
		d.logger.Error().Stringer("sid", sid).
			Str("error_code", info.ErrorCode).
			Msg("submission failed")
		if info.ErrorCode == tca.ErrorCodeProcessing {
			// Retry as a brand-new submission.
			return d.store.ResetSubmission(ctx, diff.DiffID)
		}
		metrics.DiffsDeletedTotal.WithLabelValues("submission_error").Inc()
		return d.store.DeleteDiff(ctx, diff.DiffID)
	case tca.SubmissionProcessing:
		return nil
	default:
		d.logger.Error().Stringer("sid", sid).
			Str("status", info.Status).
			Msg("unhandled submission status")
		return nil
	}
}

// CheckReports processes PENDING rows: collect finished reports, filter
// their sources and either mark the row READY or drop it.
func (d *Driver) CheckReports(ctx context.Context) error {
	ignore, err := d.loadIgnoreList(ctx)
	if err != nil {
		return err
	}
	diffs, err := d.store.DiffsByStatus(ctx, database.StatusPending)
	if err != nil {
		return err
	}
	for i := range diffs {
		if err := d.collectOne(ctx, &diffs[i], ignore); err != nil {
			if isFatal(err) {
				return err
			}
			metrics.PipelineErrorsTotal.WithLabelValues("collect").Inc()
			d.logger.Error().Err(err).
				Uint64("rev_id", diffs[i].RevID).
				Msg("reports row failed")
		}
	}
	return nil
}

func (d *Driver) collectOne(ctx context.Context, diff *database.Diff, ignore *IgnoreList) error {
	sid := *diff.SubmissionID
	sources, err := d.tca.ReportSources(ctx, sid)
	if err != nil {
		return err
	}
	if sources == nil {
		// Report still processing.
		return nil
	}
	kept := FilterSources(sources, ignore)
	if len(kept) == 0 {
		metrics.DiffsDeletedTotal.WithLabelValues("no_sources").Inc()
		return d.store.DeleteDiff(ctx, diff.DiffID)
	}
	if err := d.store.SaveSources(ctx, diff.DiffID, sid, kept); err != nil {
		return err
	}
	metrics.DiffsReadyTotal.Inc()
	d.logger.Info().Uint64("rev_id", diff.RevID).
		Int("sources", len(kept)).
		Msg("diff ready for review")

	domain := diff.Domain()
	if containsInt(d.cfg.SiteConfig(domain).PageTriageNamespaces, diff.PageNamespace) {
		return d.submitPageTriage(ctx, domain, diff)
	}
	return nil
}

// FilterSources keeps sources matched above 50 percent whose URL is
// absent or not covered by the ignore list. Sources without a URL are
// never ignore-filtered.
func FilterSources(sources []database.Source, ignore *IgnoreList) []database.Source {
	var kept []database.Source
	for _, src := range sources {
		if src.Percent <= 50 {
			continue
		}
		if src.URL != nil && ignore.Matches(*src.URL) {
			continue
		}
		kept = append(kept, src)
	}
	return kept
}

func (d *Driver) prefixedTitle(ctx context.Context, domain string, diff *database.Diff) (string, error) {
	spaced := strings.ReplaceAll(diff.PageTitle, "_", " ")
	if diff.PageNamespace == 0 {
		return spaced, nil
	}
	info, err := d.wiki.SiteInfo(ctx, domain)
	if err != nil {
		return "", err
	}
	if name := info.Namespaces[diff.PageNamespace]; name != "" {
		return name + ":" + spaced, nil
	}
	return spaced, nil
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
