// Package metrics exposes the pipeline's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_events_received_total",
			Help: "Revision-create events received from the stream",
		},
	)

	EventsFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copypatrol_events_filtered_total",
			Help: "Events rejected by the acceptance filters",
		},
		[]string{"reason"},
	)

	RevisionsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_revisions_stored_total",
			Help: "Revisions inserted with status UNSUBMITTED",
		},
	)

	DuplicateRevisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_duplicate_revisions_total",
			Help: "Inserts rejected by the (project, lang, rev_id) unique index",
		},
	)

	DiffsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_diffs_skipped_total",
			Help: "Rows deleted because the diff extractor returned skip",
		},
	)

	SubmissionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_submissions_created_total",
			Help: "Submissions created in the similarity service",
		},
	)

	SubmissionsUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_submissions_uploaded_total",
			Help: "Added-text uploads completed",
		},
	)

	ReportsGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_reports_generated_total",
			Help: "Similarity reports requested",
		},
	)

	DiffsReadyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copypatrol_diffs_ready_total",
			Help: "Rows that reached READY with at least one kept source",
		},
	)

	DiffsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copypatrol_diffs_deleted_total",
			Help: "Rows deleted during pipeline passes",
		},
		[]string{"reason"},
	)

	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copypatrol_pipeline_errors_total",
			Help: "Per-row failures swallowed at the row boundary",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsReceivedTotal,
		EventsFilteredTotal,
		RevisionsStoredTotal,
		DuplicateRevisionsTotal,
		DiffsSkippedTotal,
		SubmissionsCreatedTotal,
		SubmissionsUploadedTotal,
		ReportsGeneratedTotal,
		DiffsReadyTotal,
		DiffsDeletedTotal,
		PipelineErrorsTotal,
	)
}
