// Package tca is the client for the Turnitin Core API, the external
// similarity-detection service.
package tca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/copypatrol/copypatrol-backend/internal/config"
	"github.com/copypatrol/copypatrol-backend/internal/database"
)

const version = "1.0.0"

// Submission statuses returned by the service.
const (
	SubmissionCreated    = "CREATED"
	SubmissionProcessing = "PROCESSING"
	SubmissionComplete   = "COMPLETE"
	SubmissionError      = "ERROR"

	// ErrorCodeProcessing marks a submission failure worth retrying as
	// a brand-new submission.
	ErrorCodeProcessing = "PROCESSING_ERROR"
)

// SubmissionInfo is the subset of the submission resource the pipeline
// reads.
type SubmissionInfo struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
}

// Client is an authenticated session against one TCA deployment. The
// EULA handshake runs once on construction.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient builds a Client, fetches the latest EULA version and
// records its acceptance for the :system: user.
func NewClient(ctx context.Context, cfg config.TCAConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		baseURL: "https://" + cfg.Domain + "/api/v1",
		key:     cfg.Key,
		http: &http.Client{
			Transport: newRetryTransport(nil),
			Timeout:   2 * time.Minute,
		},
		logger: logger.With().Str("component", "tca").Logger(),
	}
	eula, err := c.latestEULAVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest eula: %w", err)
	}
	if err := c.acceptEULA(ctx, eula); err != nil {
		return nil, fmt.Errorf("accept eula %s: %w", eula, err)
	}
	return c, nil
}

// NewClientForTesting skips the EULA handshake and points at an
// arbitrary base URL.
func NewClientForTesting(baseURL, key string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Transport: newRetryTransport(nil)},
		logger:  logger,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("From", "copypatrol.backend@toolforge.org")
	req.Header.Set("User-Agent", "copypatrol-backend-bot/"+version)
	req.Header.Set("X-Turnitin-Integration-Name", "CopyPatrol")
	req.Header.Set("X-Turnitin-Integration-Version", version)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func (c *Client) latestEULAVersion(ctx context.Context) (string, error) {
	var result struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/eula/latest?lang=en-US", nil, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

func (c *Client) acceptEULA(ctx context.Context, eula string) error {
	return c.doJSON(ctx, http.MethodPost, "/eula/"+eula+"/accept", map[string]string{
		"version":            eula,
		"user_id":            ":system:",
		"accepted_timestamp": time.Now().UTC().Format(time.RFC3339),
		"language":           "en-US",
	}, nil)
}

// CreateSubmission registers a new submission and returns its UUID.
// site identifies the wiki and becomes the submission's folder group.
func (c *Client) CreateSubmission(ctx context.Context, site, title string, timestamp time.Time, owner string) (uuid.UUID, error) {
	c.logger.Debug().Str("title", title).Msg("creating submission")
	payload := map[string]any{
		"owner":     owner,
		"title":     title,
		"submitter": ":system:",
		"metadata": map[string]any{
			"group": map[string]string{
				"id":   site,
				"name": site,
				"type": "FOLDER",
			},
			"original_submitted_time": timestamp.UTC().Format(time.RFC3339),
		},
		"owner_default_permission_set":     "USER",
		"submitter_default_permission_set": "ADMINISTRATOR",
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/submissions", payload, &result); err != nil {
		return uuid.Nil, err
	}
	sid, err := uuid.Parse(result.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse submission id %q: %w", result.ID, err)
	}
	c.logger.Debug().Stringer("sid", sid).Msg("submission created")
	return sid, nil
}

// UploadSubmission uploads the added text as the submission's original.
func (c *Client) UploadSubmission(ctx context.Context, sid uuid.UUID, text []byte) error {
	c.logger.Debug().Stringer("sid", sid).Int("bytes", len(text)).Msg("uploading submission")
	path := "/submissions/" + sid.String() + "/original"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(text))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "binary/octet-stream")
	req.Header.Set("Content-Disposition", fmt.Sprintf("inline; filename='%s.txt'", sid))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", sid, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: status %d", sid, resp.StatusCode)
	}
	return nil
}

// SubmissionInfo fetches the submission's processing state.
func (c *Client) SubmissionInfo(ctx context.Context, sid uuid.UUID) (SubmissionInfo, error) {
	var info SubmissionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/submissions/"+sid.String(), nil, &info); err != nil {
		return SubmissionInfo{}, err
	}
	if info.ID != sid.String() {
		return SubmissionInfo{}, fmt.Errorf("submission id mismatch: got %q want %s", info.ID, sid)
	}
	return info, nil
}

// GenerateReport asks the service to build a similarity report.
func (c *Client) GenerateReport(ctx context.Context, sid uuid.UUID) error {
	c.logger.Debug().Stringer("sid", sid).Msg("generating report")
	return c.doJSON(ctx, http.MethodPut, "/submissions/"+sid.String()+"/similarity", map[string]any{
		"generation_settings": map[string]any{
			"search_repositories": []string{
				"INTERNET",
				"SUBMITTED_WORK",
				"PUBLICATION",
				"CROSSREF",
				"CROSSREF_POSTED_CONTENT",
			},
			"priority": "LOW",
		},
	}, nil)
}

type reportInfo struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	TopMatches   int    `json:"top_source_largest_matched_word_count"`
}

type reportSources struct {
	SubmissionID    string `json:"submission_id"`
	MatchAggregates []struct {
		IsExcluded   bool `json:"is_excluded"`
		MatchSources []struct {
			IsExcluded  bool    `json:"is_excluded"`
			Description string  `json:"description"`
			Link        *string `json:"link"`
			Percent     float64 `json:"percent"`
		} `json:"match_sources"`
	} `json:"match_aggregates"`
}

// ReportSources returns the sources the finished report matched. A nil
// slice means the report is still processing; an empty non-nil slice
// means it completed with no matches. Sources excluded upstream are
// dropped.
func (c *Client) ReportSources(ctx context.Context, sid uuid.UUID) ([]database.Source, error) {
	var info reportInfo
	if err := c.doJSON(ctx, http.MethodGet, "/submissions/"+sid.String()+"/similarity", nil, &info); err != nil {
		return nil, err
	}
	if info.SubmissionID != sid.String() {
		return nil, fmt.Errorf("report id mismatch: got %q want %s", info.SubmissionID, sid)
	}
	if info.Status != SubmissionComplete {
		return nil, nil
	}
	if info.TopMatches == 0 {
		return []database.Source{}, nil
	}

	var report reportSources
	err := c.doJSON(ctx, http.MethodGet, "/submissions/"+sid.String()+"/similarity/view/sources", nil, &report)
	if err != nil {
		return nil, err
	}
	if report.SubmissionID != sid.String() {
		return nil, fmt.Errorf("sources id mismatch: got %q want %s", report.SubmissionID, sid)
	}
	sources := []database.Source{}
	for _, aggregate := range report.MatchAggregates {
		if aggregate.IsExcluded {
			continue
		}
		for _, src := range aggregate.MatchSources {
			if src.IsExcluded {
				continue
			}
			sources = append(sources, database.Source{
				SubmissionID: sid,
				Description:  src.Description,
				URL:          src.Link,
				Percent:      src.Percent,
			})
		}
	}
	return sources, nil
}
