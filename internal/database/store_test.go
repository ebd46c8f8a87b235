package database

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New("sqlite3", ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateTables(context.Background()))
	return store
}

func sampleDiff(revID uint64) *Diff {
	return &Diff{
		Project:       "wikipedia",
		Lang:          "en",
		PageNamespace: 0,
		PageTitle:     "Example_page",
		RevID:         revID,
		RevParentID:   revID - 1,
		RevTimestamp:  NewTimestamp(time.Date(2024, 5, 17, 9, 30, 15, 0, time.UTC)),
		RevUserText:   "Example editor",
	}
}

func TestAddRevisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	diff := sampleDiff(1001)
	require.NoError(t, store.AddRevision(ctx, diff))
	assert.NotZero(t, diff.DiffID)

	diffs, err := store.DiffsByStatus(ctx, StatusUnsubmitted)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	got := diffs[0]
	assert.Equal(t, diff.DiffID, got.DiffID)
	assert.Equal(t, "wikipedia", got.Project)
	assert.Equal(t, "en", got.Lang)
	assert.Equal(t, "Example_page", got.PageTitle)
	assert.Equal(t, uint64(1001), got.RevID)
	assert.Equal(t, uint64(1000), got.RevParentID)
	assert.Equal(t, diff.RevTimestamp.Time, got.RevTimestamp.Time)
	assert.Equal(t, "Example editor", got.RevUserText)
	assert.Nil(t, got.SubmissionID)
	assert.Equal(t, StatusUnsubmitted, got.Status)
	assert.Nil(t, got.StatusTimestamp)
}

func TestAddRevisionDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddRevision(ctx, sampleDiff(1001)))
	err := store.AddRevision(ctx, sampleDiff(1001))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "UNIQUE constraint failed"))

	// Same rev id on another site is a distinct revision.
	other := sampleDiff(1001)
	other.Lang = "fr"
	require.NoError(t, store.AddRevision(ctx, other))
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	diff := sampleDiff(1001)
	require.NoError(t, store.AddRevision(ctx, diff))

	sid := uuid.New()
	require.NoError(t, store.SetSubmission(ctx, diff.DiffID, sid))

	diffs, err := store.DiffsByStatus(ctx, StatusCreated)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.NotNil(t, diffs[0].SubmissionID)
	assert.Equal(t, sid, *diffs[0].SubmissionID)
	assert.NotNil(t, diffs[0].StatusTimestamp)

	require.NoError(t, store.SetStatus(ctx, diff.DiffID, StatusUploaded))
	diffs, err = store.DiffsByStatus(ctx, StatusUploaded)
	require.NoError(t, err)
	assert.Len(t, diffs, 1)

	require.NoError(t, store.ResetSubmission(ctx, diff.DiffID))
	diffs, err = store.DiffsByStatus(ctx, StatusUnsubmitted)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Nil(t, diffs[0].SubmissionID)
}

func TestDiffsByStatusMultiple(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := sampleDiff(1001)
	second := sampleDiff(1002)
	require.NoError(t, store.AddRevision(ctx, first))
	require.NoError(t, store.AddRevision(ctx, second))
	require.NoError(t, store.SetSubmission(ctx, second.DiffID, uuid.New()))

	diffs, err := store.DiffsByStatus(ctx, StatusUnsubmitted, StatusCreated)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, first.DiffID, diffs[0].DiffID)
	assert.Equal(t, second.DiffID, diffs[1].DiffID)
}

func TestSaveSourcesAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	diff := sampleDiff(1001)
	require.NoError(t, store.AddRevision(ctx, diff))
	sid := uuid.New()
	require.NoError(t, store.SetSubmission(ctx, diff.DiffID, sid))

	url := "https://example.com/article"
	sources := []Source{
		{Description: "Example article", URL: &url, Percent: 89.28},
		{Description: "Offline journal", Percent: 61.5},
	}
	require.NoError(t, store.SaveSources(ctx, diff.DiffID, sid, sources))

	diffs, err := store.DiffsByStatus(ctx, StatusReady)
	require.NoError(t, err)
	assert.Len(t, diffs, 1)

	got, err := store.Sources(ctx, sid)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Example article", got[0].Description)
	require.NotNil(t, got[0].URL)
	assert.Equal(t, url, *got[0].URL)
	assert.InDelta(t, 89.28, got[0].Percent, 0.001)
	assert.Nil(t, got[1].URL)

	require.NoError(t, store.DeleteDiff(ctx, diff.DiffID))
	got, err = store.Sources(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoveRevisionScoped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	en := sampleDiff(1001)
	fr := sampleDiff(1001)
	fr.Lang = "fr"
	require.NoError(t, store.AddRevision(ctx, en))
	require.NoError(t, store.AddRevision(ctx, fr))

	require.NoError(t, store.RemoveRevision(ctx, "wikipedia", "en", 1001))

	diffs, err := store.DiffsByStatus(ctx, StatusUnsubmitted)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "fr", diffs[0].Lang)
}

func TestRemoveSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	diff := sampleDiff(1001)
	require.NoError(t, store.AddRevision(ctx, diff))
	sid := uuid.New()
	require.NoError(t, store.SetSubmission(ctx, diff.DiffID, sid))

	require.NoError(t, store.RemoveSubmission(ctx, sid))
	diffs, err := store.DiffsByStatus(ctx,
		StatusUnsubmitted, StatusCreated, StatusUploaded, StatusPending, StatusReady)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 5, 17, 9, 30, 15, 123456789, time.FixedZone("x", 3600)))

	value, err := ts.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("20240517083015"), value)

	var scanned Timestamp
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, ts.Time, scanned.Time)

	require.Error(t, scanned.Scan(nil))
	require.Error(t, scanned.Scan("not a timestamp"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "UNSUBMITTED", StatusUnsubmitted.String())
	assert.Equal(t, "CREATED", StatusCreated.String())
	assert.Equal(t, "UPLOADED", StatusUploaded.String())
	assert.Equal(t, "PENDING", StatusPending.String())
	assert.Equal(t, "READY", StatusReady.String())
	assert.Equal(t, "Status(7)", Status(7).String())
}

func TestDiffDomain(t *testing.T) {
	d := &Diff{Project: "wikipedia", Lang: "en"}
	assert.Equal(t, "en.wikipedia.org", d.Domain())

	d = &Diff{Project: "wikidata", Lang: "wikidata"}
	assert.Equal(t, "www.wikidata.org", d.Domain())
}
