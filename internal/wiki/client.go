// Package wiki is a narrow MediaWiki Action API client covering exactly
// what the pipeline needs: revision content with tags and comments,
// page existence, site metadata, and the PageTriage actions.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/copypatrol/copypatrol-backend/internal/wikitext"
)

const userAgent = "copypatrol-backend/1.0 (https://meta.wikimedia.org/wiki/CopyPatrol)"

const (
	categoryNamespaceID = 14
	fileNamespaceID     = 6
)

// Revision is one revision of a page with the fields the checker reads.
type Revision struct {
	RevID         uint64
	ParentID      uint64
	User          string
	Timestamp     time.Time
	Comment       string
	CommentHidden bool
	Tags          []string
	Content       string
}

// Client talks to the Action API of any configured wiki. One client
// serves every domain; site metadata is cached per domain.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL func(domain string) string
	logger  zerolog.Logger

	mu        sync.Mutex
	siteInfos map[string]wikitext.SiteInfo
}

// NewClient builds a Client with a modest request rate so a large
// pipeline pass cannot hammer the wikis.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		baseURL: func(domain string) string {
			return "https://" + domain + "/w/api.php"
		},
		logger:    logger.With().Str("component", "wiki").Logger(),
		siteInfos: map[string]wikitext.SiteInfo{},
	}
}

// SetBaseURL overrides API URL construction; tests point it at a local
// server.
func (c *Client) SetBaseURL(fn func(domain string) string) {
	c.baseURL = fn
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type apiEnvelope struct {
	Error *apiError       `json:"error"`
	Query json.RawMessage `json:"query"`
}

func (c *Client) request(ctx context.Context, domain, method string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("format", "json")
	params.Set("formatversion", "2")

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL(domain),
			strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method,
			c.baseURL(domain)+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, domain, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d", method, domain, resp.StatusCode)
	}
	return body, nil
}

func (c *Client) query(ctx context.Context, domain string, params url.Values, result any) error {
	body, err := c.request(ctx, domain, http.MethodGet, params)
	if err != nil {
		return err
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("api error %s: %s", envelope.Error.Code, envelope.Error.Info)
	}
	if result == nil || len(envelope.Query) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Query, result); err != nil {
		return fmt.Errorf("decode query: %w", err)
	}
	return nil
}

type revisionJSON struct {
	RevID         uint64    `json:"revid"`
	ParentID      uint64    `json:"parentid"`
	User          string    `json:"user"`
	Timestamp     time.Time `json:"timestamp"`
	Comment       string    `json:"comment"`
	CommentHidden bool      `json:"commenthidden"`
	Tags          []string  `json:"tags"`
	Slots         struct {
		Main struct {
			Content string `json:"content"`
		} `json:"main"`
	} `json:"slots"`
}

func (r *revisionJSON) revision() Revision {
	return Revision{
		RevID:         r.RevID,
		ParentID:      r.ParentID,
		User:          r.User,
		Timestamp:     r.Timestamp,
		Comment:       r.Comment,
		CommentHidden: r.CommentHidden,
		Tags:          r.Tags,
		Content:       r.Slots.Main.Content,
	}
}

type pagesJSON struct {
	Pages []struct {
		PageID    int64          `json:"pageid"`
		Missing   bool           `json:"missing"`
		Invalid   bool           `json:"invalid"`
		Revisions []revisionJSON `json:"revisions"`
	} `json:"pages"`
}

// Revisions fetches the given revisions, with main-slot content, in a
// single API call.
func (c *Client) Revisions(ctx context.Context, domain string, revIDs []uint64) (map[uint64]Revision, error) {
	ids := make([]string, len(revIDs))
	for i, id := range revIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	var result pagesJSON
	err := c.query(ctx, domain, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"revids":  {strings.Join(ids, "|")},
		"rvprop":  {"ids|timestamp|user|comment|tags|content"},
		"rvslots": {"main"},
	}, &result)
	if err != nil {
		return nil, err
	}
	revs := make(map[uint64]Revision)
	for _, page := range result.Pages {
		for i := range page.Revisions {
			rev := page.Revisions[i].revision()
			revs[rev.RevID] = rev
		}
	}
	return revs, nil
}

// PageRevisions fetches the most recent revisions of a page, newest
// first, with content.
func (c *Client) PageRevisions(ctx context.Context, domain, title string, limit int) ([]Revision, error) {
	var result pagesJSON
	err := c.query(ctx, domain, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"titles":  {title},
		"rvlimit": {strconv.Itoa(limit)},
		"rvprop":  {"ids|timestamp|content"},
		"rvslots": {"main"},
	}, &result)
	if err != nil {
		return nil, err
	}
	var revs []Revision
	for _, page := range result.Pages {
		for i := range page.Revisions {
			revs = append(revs, page.Revisions[i].revision())
		}
	}
	return revs, nil
}

// PageExists reports whether a page exists.
func (c *Client) PageExists(ctx context.Context, domain, title string) (bool, error) {
	_, exists, err := c.PageID(ctx, domain, title)
	return exists, err
}

// PageID returns a page's id and whether it exists.
func (c *Client) PageID(ctx context.Context, domain, title string) (int64, bool, error) {
	var result pagesJSON
	err := c.query(ctx, domain, url.Values{
		"action": {"query"},
		"titles": {title},
	}, &result)
	if err != nil {
		return 0, false, err
	}
	if len(result.Pages) == 0 {
		return 0, false, nil
	}
	page := result.Pages[0]
	if page.Missing || page.Invalid {
		return 0, false, nil
	}
	return page.PageID, true, nil
}

// PageText returns the current text of a page, or empty if the page
// does not exist.
func (c *Client) PageText(ctx context.Context, domain, title string) (string, error) {
	revs, err := c.PageRevisions(ctx, domain, title, 1)
	if err != nil {
		return "", err
	}
	if len(revs) == 0 {
		return "", nil
	}
	return revs[0].Content, nil
}

type siteInfoJSON struct {
	Namespaces map[string]struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		Canonical string `json:"canonical"`
	} `json:"namespaces"`
	NamespaceAliases []struct {
		ID    int    `json:"id"`
		Alias string `json:"alias"`
	} `json:"namespacealiases"`
	FileExtensions []struct {
		Ext string `json:"ext"`
	} `json:"fileextensions"`
}

// SiteInfo returns the cleaner vocabulary for a domain, cached for the
// process lifetime.
func (c *Client) SiteInfo(ctx context.Context, domain string) (wikitext.SiteInfo, error) {
	c.mu.Lock()
	info, ok := c.siteInfos[domain]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	var result siteInfoJSON
	err := c.query(ctx, domain, url.Values{
		"action": {"query"},
		"meta":   {"siteinfo"},
		"siprop": {"namespaces|namespacealiases|fileextensions"},
	}, &result)
	if err != nil {
		return wikitext.SiteInfo{}, err
	}

	info = wikitext.SiteInfo{Namespaces: map[int]string{}}
	appendNS := func(id int, name string) {
		if name == "" {
			return
		}
		switch id {
		case categoryNamespaceID:
			info.CategoryNamespaces = append(info.CategoryNamespaces, name)
		case fileNamespaceID:
			info.FileNamespaces = append(info.FileNamespaces, name)
		}
	}
	for _, ns := range result.Namespaces {
		if _, seen := info.Namespaces[ns.ID]; !seen {
			info.Namespaces[ns.ID] = ns.Name
		}
		appendNS(ns.ID, ns.Name)
		if ns.Canonical != ns.Name {
			appendNS(ns.ID, ns.Canonical)
		}
	}
	for _, alias := range result.NamespaceAliases {
		appendNS(alias.ID, alias.Alias)
	}
	for _, ext := range result.FileExtensions {
		info.FileExtensions = append(info.FileExtensions, ext.Ext)
	}

	c.mu.Lock()
	c.siteInfos[domain] = info
	c.mu.Unlock()
	return info, nil
}

// HasExtension reports whether the wiki has the named extension
// installed.
func (c *Client) HasExtension(ctx context.Context, domain, name string) (bool, error) {
	var result struct {
		Extensions []struct {
			Name string `json:"name"`
		} `json:"extensions"`
	}
	err := c.query(ctx, domain, url.Values{
		"action": {"query"},
		"meta":   {"siteinfo"},
		"siprop": {"extensions"},
	}, &result)
	if err != nil {
		return false, err
	}
	for _, ext := range result.Extensions {
		if ext.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// HasRight reports whether the current user holds the named right.
func (c *Client) HasRight(ctx context.Context, domain, right string) (bool, error) {
	var result struct {
		UserInfo struct {
			Rights []string `json:"rights"`
		} `json:"userinfo"`
	}
	err := c.query(ctx, domain, url.Values{
		"action": {"query"},
		"meta":   {"userinfo"},
		"uiprop": {"rights"},
	}, &result)
	if err != nil {
		return false, err
	}
	for _, r := range result.UserInfo.Rights {
		if r == right {
			return true, nil
		}
	}
	return false, nil
}

// CSRFToken fetches an edit token.
func (c *Client) CSRFToken(ctx context.Context, domain string) (string, error) {
	var result struct {
		Tokens struct {
			CSRFToken string `json:"csrftoken"`
		} `json:"tokens"`
	}
	err := c.query(ctx, domain, url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"csrf"},
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Tokens.CSRFToken, nil
}
