// Package osv implements the secondary lookup client: a per-identity query
// against the OSV API for affected-version range data.
package osv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/config"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

const queryPath = "/v1/query"

// Client queries the OSV API for version ranges affecting an exact
// (package, version) identity. The service has no date filtering: a
// response is always the full current range knowledge for that identity.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// New creates a new OSV lookup client.
func New(cfg config.OSVConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		maxRetries: cfg.MaxRetries,
	}
}

type queryRequest struct {
	Package struct {
		Name string `json:"name"`
	} `json:"package"`
	Version string `json:"version"`
}

type queryResponse struct {
	Vulns []struct {
		ID       string `json:"id"`
		Affected []struct {
			Package struct {
				Ecosystem string `json:"ecosystem"`
				Name      string `json:"name"`
			} `json:"package"`
			Ranges []types.Range `json:"ranges"`
		} `json:"affected"`
	} `json:"vulns"`
}

// Resolve queries OSV for the identity and groups the returned ranges by
// ecosystem. An empty result with a nil error means the service has no
// match for the exact pair; given the imprecise identity bridge between
// sources this is the dominant outcome, not a failure. Transient errors
// are retried with backoff; after the attempts are exhausted the error is
// returned and callers treat the identity as unresolved for this run.
func (c *Client) Resolve(ctx context.Context, pkg, version string) (types.RangeData, error) {
	var payload queryRequest
	payload.Package.Name = pkg
	payload.Version = version

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	var result queryResponse

	operation := func() error {
		// Each attempt decodes into its own value so a failed partial
		// decode cannot leak into a later attempt's result.
		var page queryResponse

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close response body")
			}
		}()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("osv query returned status %d: %s", resp.StatusCode, string(respBody))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		result = page
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxElapsedTime = 0

	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)) // #nosec G115 -- MaxRetries is a small positive config value
	if err != nil {
		return nil, fmt.Errorf("osv resolve %s@%s: %w", pkg, version, err)
	}

	ranges := make(types.RangeData)
	for _, vuln := range result.Vulns {
		for _, affected := range vuln.Affected {
			if len(affected.Ranges) == 0 {
				continue
			}
			eco := affected.Package.Ecosystem
			ranges[eco] = append(ranges[eco], affected.Ranges...)
		}
	}

	if ranges.Empty() {
		log.Debug().
			Str("package", pkg).
			Str("version", version).
			Msg("no OSV match for identity")
		return nil, nil
	}

	return ranges, nil
}
