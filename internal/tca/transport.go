package tca

import (
	"io"
	"net/http"
	"time"

	backoff "gopkg.in/cenkalti/backoff.v1"
)

// retryTransport retries transient failures (connection errors, 429,
// 5xx) with capped exponential backoff. It is mounted once on the
// client's session; call sites never hand-roll retries.
type retryTransport struct {
	base        http.RoundTripper
	maxRetries  int
	maxInterval time.Duration
}

func newRetryTransport(base http.RoundTripper) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:        base,
		maxRetries:  5,
		maxInterval: 30 * time.Second,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = t.maxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			if req.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}
		resp, err = t.base.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt >= t.maxRetries {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(policy.NextBackOff()):
		}
	}
}
