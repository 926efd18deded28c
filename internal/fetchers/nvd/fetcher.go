// Package nvd implements the primary feed client: a paginated,
// rate-limited fetch of CPE product records for a bounded
// modified-date window.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/config"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

// NVD expects ISO-8601 timestamps with milliseconds and an explicit offset.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Window is a half-open [Start, End) modified-date interval.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Windows splits [start, end) into consecutive sub-windows no longer than
// maxSpan. The feed rejects ranges above 120 days, so callers iterate the
// result and commit a checkpoint per window. Returns nil when start is not
// before end.
func Windows(start, end time.Time, maxSpan time.Duration) []Window {
	if !start.Before(end) || maxSpan <= 0 {
		return nil
	}

	var windows []Window
	for cur := start; cur.Before(end); {
		next := cur.Add(maxSpan)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}

	return windows
}

// PermanentError is a feed failure that retrying cannot fix (4xx other
// than throttling). It aborts the current window; the checkpoint stays
// where it was.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("nvd: permanent error: status %d: %s", e.StatusCode, e.Body)
}

// Client fetches CPE product records from the NVD CPE 2.0 API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	minDelay     time.Duration
	throttleWait time.Duration
	maxRetries   int

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time

	lastRequest time.Time
}

// New creates a new NVD feed client.
func New(cfg config.NVDConfig) *Client {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
		},
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		httpClient:   httpClient,
		minDelay:     cfg.RequestDelay,
		throttleWait: cfg.ThrottleWait,
		maxRetries:   cfg.MaxRetries,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// Fetch returns every product record modified within the window, following
// pagination until exhaustion. It is restartable: calling it again with
// the same window re-fetches the same data.
func (c *Client) Fetch(ctx context.Context, w Window) ([]types.RawFinding, error) {
	log.Info().
		Str("window", w.String()).
		Msg("fetching NVD CPE window")

	var findings []types.RawFinding
	startIndex := 0

	for {
		page, err := c.fetchPage(ctx, w, startIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page at index %d: %w", startIndex, err)
		}

		for _, product := range page.Products {
			findings = append(findings, product.toFinding())
		}

		log.Debug().
			Int("start_index", startIndex).
			Int("page_size", len(page.Products)).
			Int("total_results", page.TotalResults).
			Msg("NVD page processed")

		advance := page.ResultsPerPage
		if advance == 0 {
			advance = len(page.Products)
		}
		if len(page.Products) == 0 || startIndex+advance >= page.TotalResults {
			break
		}
		startIndex += advance
	}

	log.Info().
		Str("window", w.String()).
		Int("findings", len(findings)).
		Msg("NVD window fetch completed")

	return findings, nil
}

// fetchPage requests a single page, pacing requests to the configured
// minimum delay and retrying transient failures with exponential backoff.
func (c *Client) fetchPage(ctx context.Context, w Window, startIndex int) (*productsResponse, error) {
	var page *productsResponse

	operation := func() error {
		c.pace()

		result, err := c.doRequest(ctx, w, startIndex)
		if err != nil {
			return err
		}

		page = result
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Dur("retry_in", wait).
			Int("start_index", startIndex).
			Msg("transient NVD error, retrying")
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx), // #nosec G115 -- MaxRetries is a small positive config value
		notify)
	if err != nil {
		return nil, err
	}

	return page, nil
}

// doRequest performs one HTTP round trip. Throttling responses (403/429)
// are deferred inline, not surfaced as failures.
func (c *Client) doRequest(ctx context.Context, w Window, startIndex int) (*productsResponse, error) {
	for {
		req, err := c.buildRequest(ctx, w, startIndex)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("failed to read response: %w", readErr)
			}
			var page productsResponse
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			return &page, nil

		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			log.Warn().
				Int("status", resp.StatusCode).
				Dur("wait", c.throttleWait).
				Msg("NVD rate limit hit, deferring")
			select {
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			default:
			}
			c.sleep(c.throttleWait)
			continue

		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("server error: status %d", resp.StatusCode)

		default:
			return nil, backoff.Permanent(&PermanentError{
				StatusCode: resp.StatusCode,
				Body:       string(body),
			})
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, w Window, startIndex int) (*http.Request, error) {
	params := url.Values{}
	params.Set("lastModStartDate", w.Start.UTC().Format(timeFormat))
	params.Set("lastModEndDate", w.End.UTC().Format(timeFormat))
	params.Set("startIndex", fmt.Sprintf("%d", startIndex))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	return req, nil
}

// pace enforces the minimum inter-request delay the service demands.
func (c *Client) pace() {
	if !c.lastRequest.IsZero() {
		if wait := c.minDelay - c.now().Sub(c.lastRequest); wait > 0 {
			c.sleep(wait)
		}
	}
	c.lastRequest = c.now()
}

// productsResponse is one page of the CPE products API.
type productsResponse struct {
	ResultsPerPage int            `json:"resultsPerPage"`
	StartIndex     int            `json:"startIndex"`
	TotalResults   int            `json:"totalResults"`
	Products       []productEntry `json:"products"`
}

type productEntry struct {
	CPE cpeItem `json:"cpe"`
}

type cpeItem struct {
	CPEName      string     `json:"cpeName"`
	Deprecated   bool       `json:"deprecated"`
	LastModified string     `json:"lastModified"`
	Titles       []cpeTitle `json:"titles"`
}

type cpeTitle struct {
	Title string `json:"title"`
	Lang  string `json:"lang"`
}

func (p productEntry) toFinding() types.RawFinding {
	titles := make([]string, 0, len(p.CPE.Titles))
	for _, t := range p.CPE.Titles {
		titles = append(titles, t.Title)
	}

	modified, err := time.Parse("2006-01-02T15:04:05.000", p.CPE.LastModified)
	if err != nil {
		// Some records carry an offset; fall back before giving up.
		modified, _ = time.Parse(time.RFC3339, p.CPE.LastModified)
	}

	return types.RawFinding{
		CPEName:      p.CPE.CPEName,
		Titles:       titles,
		LastModified: modified,
		Deprecated:   p.CPE.Deprecated,
	}
}
