package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker treats any response within [ExpectedStatusMin, ExpectedStatusMax]
// as ready. Connection failures and other statuses are "not yet ready".
type HTTPChecker struct {
	URL               string
	ExpectedStatusMin int
	ExpectedStatusMax int
	Client            *http.Client
}

// NewHTTPChecker accepts any 2xx status.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 299,
		Client:            &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		msg = fmt.Sprintf("%s (expected %d-%d)", msg, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return Result{Healthy: healthy, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

func (h *HTTPChecker) Target() string { return h.URL }
