// Package syncdaemon implements the HTTP half of the external-tool adapter
// (C2): typed access to the sync daemon's REST API with bounded, constant-
// delay retries.
package syncdaemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client wraps sync-daemon HTTP calls, grounded on the retry-loop shape of
// internal/graph/client.go in the teacher but configured with a constant
// backoff (not exponential) to match syncthingRetryCount/syncthingRetryDelay
// semantics (spec.md §4.1).
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// Config carries the connection and retry parameters read from GlobalConfig.
type Config struct {
	BaseURL    string
	APIKey     string
	RetryCount int
	RetryDelay time.Duration
}

// New constructs a Client with a constant-backoff retry policy.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryCount
	rc.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return cfg.RetryDelay
	}
	rc.Logger = nil // we log at the call site with structured fields instead

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    rc,
		logger:  logger,
	}
}

// Get issues a GET to path with the given query parameters. If the response
// status is in expectedErrorCodes, the body is returned without error.
// JSON responses are decoded into out (if non-nil); a non-JSON body with a
// non-nil out is returned together with a decoding error, and with out=nil
// the body is returned undecoded in raw.
func (c *Client) Get(ctx context.Context, path string, query url.Values, expectedErrorCodes []int, out any) (raw []byte, err error) {
	u := c.baseURL + "/rest/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("syncdaemon: building GET %s: %w", path, err)
	}

	return c.do(req, path, expectedErrorCodes, out)
}

// Post issues a POST to path with a JSON body.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body any, expectedErrorCodes []int, out any) (raw []byte, err error) {
	u := c.baseURL + "/rest/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyBytes []byte

	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("syncdaemon: encoding POST %s body: %w", path, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("syncdaemon: building POST %s: %w", path, err)
	}

	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, path, expectedErrorCodes, out)
}

func (c *Client) do(req *retryablehttp.Request, path string, expectedErrorCodes []int, out any) ([]byte, error) {
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncdaemon: %s failed after retries: %w", path, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("syncdaemon: reading %s response: %w", path, readErr)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return decodeIfJSON(raw, out)
	}

	if slices.Contains(expectedErrorCodes, resp.StatusCode) {
		c.logger.Debug("syncdaemon: expected error status",
			slog.String("path", path), slog.Int("status", resp.StatusCode))

		return raw, nil
	}

	return nil, fmt.Errorf("syncdaemon: %s returned unexpected status %d: %s", path, resp.StatusCode, string(raw))
}

func decodeIfJSON(raw []byte, out any) ([]byte, error) {
	if out == nil {
		return raw, nil
	}

	if len(raw) == 0 {
		return raw, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("syncdaemon: decoding JSON response: %w", err)
	}

	return raw, nil
}
