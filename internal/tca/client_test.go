package tca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientForTesting(srv.URL, "test-key", zerolog.Nop())
}

func assertSessionHeaders(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
	assert.Equal(t, "copypatrol.backend@toolforge.org", r.Header.Get("From"))
	assert.Equal(t, "copypatrol-backend-bot/1.0.0", r.Header.Get("User-Agent"))
	assert.Equal(t, "CopyPatrol", r.Header.Get("X-Turnitin-Integration-Name"))
	assert.Equal(t, "1.0.0", r.Header.Get("X-Turnitin-Integration-Version"))
}

func TestEULAHandshake(t *testing.T) {
	var accepted map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/eula/latest", func(w http.ResponseWriter, r *http.Request) {
		assertSessionHeaders(t, r)
		assert.Equal(t, "en-US", r.URL.Query().Get("lang"))
		json.NewEncoder(w).Encode(map[string]string{"version": "v1beta"})
	})
	mux.HandleFunc("/eula/v1beta/accept", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&accepted))
		w.WriteHeader(http.StatusOK)
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	eula, err := c.latestEULAVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1beta", eula)

	require.NoError(t, c.acceptEULA(ctx, eula))
	assert.Equal(t, "v1beta", accepted["version"])
	assert.Equal(t, ":system:", accepted["user_id"])
	assert.Equal(t, "en-US", accepted["language"])
}

func TestCreateSubmission(t *testing.T) {
	sid := uuid.New()
	timestamp := time.Date(2024, 5, 17, 9, 30, 15, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assertSessionHeaders(t, r)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Example editor", payload["owner"])
		assert.Equal(t, "Revision 1001 of Example page", payload["title"])
		assert.Equal(t, ":system:", payload["submitter"])
		assert.Equal(t, "USER", payload["owner_default_permission_set"])
		assert.Equal(t, "ADMINISTRATOR", payload["submitter_default_permission_set"])

		metadata := payload["metadata"].(map[string]any)
		group := metadata["group"].(map[string]any)
		assert.Equal(t, "wikipedia:en", group["id"])
		assert.Equal(t, "FOLDER", group["type"])
		assert.Equal(t, "2024-05-17T09:30:15Z", metadata["original_submitted_time"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": sid.String(), "status": SubmissionCreated})
	})

	c := newTestClient(t, mux)
	got, err := c.CreateSubmission(context.Background(),
		"wikipedia:en", "Revision 1001 of Example page", timestamp, "Example editor")
	require.NoError(t, err)
	assert.Equal(t, sid, got)
}

func TestUploadSubmission(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String()+"/original", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assertSessionHeaders(t, r)
		assert.Equal(t, "binary/octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, fmt.Sprintf("inline; filename='%s.txt'", sid), r.Header.Get("Content-Disposition"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "the added text", string(body))
		w.WriteHeader(http.StatusAccepted)
	})

	c := newTestClient(t, mux)
	require.NoError(t, c.UploadSubmission(context.Background(), sid, []byte("the added text")))
}

func TestSubmissionInfo(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":         sid.String(),
			"status":     SubmissionError,
			"error_code": ErrorCodeProcessing,
		})
	})

	c := newTestClient(t, mux)
	info, err := c.SubmissionInfo(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, SubmissionError, info.Status)
	assert.Equal(t, ErrorCodeProcessing, info.ErrorCode)
}

func TestSubmissionInfoIDMismatch(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": uuid.NewString(), "status": SubmissionComplete})
	})

	c := newTestClient(t, mux)
	_, err := c.SubmissionInfo(context.Background(), sid)
	assert.ErrorContains(t, err, "mismatch")
}

func TestGenerateReport(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String()+"/similarity", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var payload struct {
			Settings struct {
				Repositories []string `json:"search_repositories"`
				Priority     string   `json:"priority"`
			} `json:"generation_settings"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []string{
			"INTERNET",
			"SUBMITTED_WORK",
			"PUBLICATION",
			"CROSSREF",
			"CROSSREF_POSTED_CONTENT",
		}, payload.Settings.Repositories)
		assert.Equal(t, "LOW", payload.Settings.Priority)
		w.WriteHeader(http.StatusAccepted)
	})

	c := newTestClient(t, mux)
	require.NoError(t, c.GenerateReport(context.Background(), sid))
}

func TestReportSourcesProcessing(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String()+"/similarity", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"submission_id": sid.String(),
			"status":        SubmissionProcessing,
		})
	})

	c := newTestClient(t, mux)
	sources, err := c.ReportSources(context.Background(), sid)
	require.NoError(t, err)
	assert.Nil(t, sources)
}

func TestReportSourcesNoMatches(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String()+"/similarity", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"submission_id":                         sid.String(),
			"status":                                SubmissionComplete,
			"top_source_largest_matched_word_count": 0,
		})
	})

	c := newTestClient(t, mux)
	sources, err := c.ReportSources(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, sources)
	assert.Empty(t, sources)
}

func TestReportSourcesFlattensMatches(t *testing.T) {
	sid := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+sid.String()+"/similarity", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"submission_id":                         sid.String(),
			"status":                                SubmissionComplete,
			"top_source_largest_matched_word_count": 250,
		})
	})
	mux.HandleFunc("/submissions/"+sid.String()+"/similarity/view/sources", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"submission_id": sid.String(),
			"match_aggregates": []map[string]any{
				{
					"is_excluded": false,
					"match_sources": []map[string]any{
						{"description": "Example article", "link": "https://example.com/a", "percent": 89.28},
						{"description": "Excluded source", "link": "https://example.com/x", "percent": 70, "is_excluded": true},
					},
				},
				{
					"is_excluded": true,
					"match_sources": []map[string]any{
						{"description": "Whole aggregate excluded", "percent": 99},
					},
				},
				{
					"is_excluded": false,
					"match_sources": []map[string]any{
						{"description": "Offline journal", "percent": 61.5},
					},
				},
			},
		})
	})

	c := newTestClient(t, mux)
	sources, err := c.ReportSources(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, sid, sources[0].SubmissionID)
	assert.Equal(t, "Example article", sources[0].Description)
	require.NotNil(t, sources[0].URL)
	assert.Equal(t, "https://example.com/a", *sources[0].URL)
	assert.InDelta(t, 89.28, sources[0].Percent, 0.001)

	assert.Equal(t, "Offline journal", sources[1].Description)
	assert.Nil(t, sources[1].URL)
}

func TestRetryTransportRetriesServerErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &retryTransport{
		base:        http.DefaultTransport,
		maxRetries:  5,
		maxInterval: 10 * time.Millisecond,
	}}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestRetryTransportPassesClientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newRetryTransport(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusTooManyRequests))
	assert.True(t, retryableStatus(http.StatusInternalServerError))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.False(t, retryableStatus(http.StatusOK))
	assert.False(t, retryableStatus(http.StatusBadRequest))
	assert.False(t, retryableStatus(http.StatusNotFound))
}
