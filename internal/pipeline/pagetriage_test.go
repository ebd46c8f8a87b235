package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copypatrol/copypatrol-backend/internal/config"
	"github.com/copypatrol/copypatrol-backend/internal/database"
)

func pageTriageConfig() *config.Config {
	return &config.Config{
		Site: "en.wikipedia.org",
		Sites: map[string]config.SiteConfig{
			"en.wikipedia.org": {
				Domain:               "en.wikipedia.org",
				Enabled:              true,
				Namespaces:           []int{0, 118},
				PageTriageNamespaces: []int{0, 118},
			},
		},
	}
}

func TestCheckReportsTagsPageTriage(t *testing.T) {
	ctx := context.Background()
	store := newPipelineStore(t)
	sid := uuid.New()
	insertDiff(t, store, database.StatusPending, &sid)

	url := "https://example.com/article"
	similarity := &fakeTCA{sources: []database.Source{
		{SubmissionID: sid, Description: "Example article", URL: &url, Percent: 89.28},
	}}
	wiki := &fakePipelineWiki{hasExtension: true, hasRight: true}
	driver := NewDriver(pageTriageConfig(), store, wiki, similarity, &fakeChecker{}, zerolog.Nop())

	require.NoError(t, driver.CheckReports(ctx))
	onlyDiff(t, store, database.StatusReady)
	assert.Equal(t, []uint64{1001}, wiki.tagged)
}

func TestCheckReportsMissingExtensionIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newPipelineStore(t)
	sid := uuid.New()
	insertDiff(t, store, database.StatusPending, &sid)

	url := "https://example.com/article"
	similarity := &fakeTCA{sources: []database.Source{
		{SubmissionID: sid, Description: "Example article", URL: &url, Percent: 89.28},
	}}
	wiki := &fakePipelineWiki{hasExtension: false, hasRight: true}
	driver := NewDriver(pageTriageConfig(), store, wiki, similarity, &fakeChecker{}, zerolog.Nop())

	err := driver.CheckReports(ctx)
	require.Error(t, err)
	assert.True(t, isFatal(err))
	assert.Empty(t, wiki.tagged)
}

func TestCheckReportsMissingRightIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newPipelineStore(t)
	sid := uuid.New()
	insertDiff(t, store, database.StatusPending, &sid)

	url := "https://example.com/article"
	similarity := &fakeTCA{sources: []database.Source{
		{SubmissionID: sid, Description: "Example article", URL: &url, Percent: 89.28},
	}}
	wiki := &fakePipelineWiki{hasExtension: true, hasRight: false}
	driver := NewDriver(pageTriageConfig(), store, wiki, similarity, &fakeChecker{}, zerolog.Nop())

	err := driver.CheckReports(ctx)
	require.Error(t, err)
	assert.True(t, isFatal(err))
}
