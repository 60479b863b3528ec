// Package management talks to the out-of-scope management collaborator
// that reports whether a continuous query is ready to be read from the
// view service.
package management

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const readyTimeout = 300 * time.Second

// Client polls the management collaborator's readiness endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a management Client targeting baseURL (e.g.
// "http://drasi-query-container-management:8080").
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// WaitReady polls QueryReady(queryId) until it reports ready or the
// 300-second budget elapses, at which point it returns a fatal error —
// bootstrap must not proceed for a query that never becomes ready.
func (c *Client) WaitReady(ctx context.Context, queryID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = readyTimeout

	operation := func() error {
		ready, err := c.queryReady(ctx, queryID)
		if err != nil {
			return fmt.Errorf("checking readiness for query %q: %w", queryID, err)
		}
		if !ready {
			return fmt.Errorf("query %q not yet ready", queryID)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("query %q did not become ready within %s: %w", queryID, readyTimeout, err)
	}

	c.logger.Info("query reported ready", "query_id", queryID)
	return nil
}

func (c *Client) queryReady(ctx context.Context, queryID string) (bool, error) {
	url := fmt.Sprintf("%s/queries/%s/ready", c.baseURL, queryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("building readiness request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusServiceUnavailable, http.StatusAccepted:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d from management service", resp.StatusCode)
	}
}
