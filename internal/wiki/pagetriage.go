package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// PageTriageList reports whether the PageTriage queue is still missing
// metadata for the page. Pages in that bucket cannot be tagged yet.
func (c *Client) PageTriageList(ctx context.Context, domain string, pageID int64) (missingMetadata bool, err error) {
	body, err := c.request(ctx, domain, http.MethodGet, url.Values{
		"action":  {"pagetriagelist"},
		"page_id": {strconv.FormatInt(pageID, 10)},
	})
	if err != nil {
		return false, err
	}
	var result struct {
		Error          *apiError `json:"error"`
		PageTriageList struct {
			PagesMissingMetadata []int64 `json:"pages_missing_metadata"`
		} `json:"pagetriagelist"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("decode pagetriagelist: %w", err)
	}
	if result.Error != nil {
		return false, fmt.Errorf("api error %s: %s", result.Error.Code, result.Error.Info)
	}
	for _, id := range result.PageTriageList.PagesMissingMetadata {
		if id == pageID {
			return true, nil
		}
	}
	return false, nil
}

// PageTriageTagCopyvio flags a revision as a likely copyright violation
// in the PageTriage queue.
func (c *Client) PageTriageTagCopyvio(ctx context.Context, domain string, revID uint64, token string) error {
	body, err := c.request(ctx, domain, http.MethodPost, url.Values{
		"action": {"pagetriagetagcopyvio"},
		"revid":  {strconv.FormatUint(revID, 10)},
		"token":  {token},
	})
	if err != nil {
		return err
	}
	var result struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode pagetriagetagcopyvio: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("api error %s: %s", result.Error.Code, result.Error.Info)
	}
	return nil
}
