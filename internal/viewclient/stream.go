// Package viewclient talks to the out-of-scope view-service collaborator
// that serves a query's current materialised result set as a
// newline-delimited JSON stream: a header line carrying the starting
// sequence, followed by one result row per line.
package viewclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ItemKind tags what Next returned.
type ItemKind int

const (
	Header ItemKind = iota
	Row
)

// Item is one element of the pull-based iterator: either the stream's
// header (sequence only) or one data row. Next returns io.EOF once the
// stream is exhausted — callers drive it in a straight-line loop with no
// callback inversion.
type Item struct {
	Kind     ItemKind
	Sequence int64
	Data     map[string]any
}

// Stream is a pull-based iterator over one query's view-service response.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	sawHeader bool
	queryID   string
	logger    *slog.Logger
}

// Client opens view-service streams.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a view-service Client targeting baseURL (e.g.
// "http://drasi-view-svc:8080").
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 0}, // streaming response; no fixed deadline
		logger:     logger,
	}
}

// Open starts streaming the current result set for queryID, retrying
// transient connection failures while opening with an exponential
// backoff. The returned Stream must be closed by the caller.
func (c *Client) Open(ctx context.Context, queryID string) (*Stream, error) {
	var resp *http.Response

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		url := fmt.Sprintf("%s/queries/%s/view", c.baseURL, queryID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building view-service request: %w", err))
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("opening view-service stream: %w", err)
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("view-service returned %d", r.StatusCode)
		}
		if r.StatusCode >= 400 {
			defer r.Body.Close()
			return backoff.Permanent(fmt.Errorf("view-service returned %d", r.StatusCode))
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("query %q: %w", queryID, err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		queryID: queryID,
		logger:  c.logger,
	}, nil
}

// Next returns the stream's next item. The first call always returns the
// header (or an error if the stream ends before producing one); every
// subsequent call returns a row, until io.EOF.
func (s *Stream) Next(ctx context.Context) (*Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading view-service stream for query %q: %w", s.queryID, err)
		}
		if !s.sawHeader {
			return nil, fmt.Errorf("view-service stream for query %q ended without a header", s.queryID)
		}
		s.logger.Debug("view-service stream exhausted", "query_id", s.queryID)
		return nil, io.EOF
	}

	line := s.scanner.Bytes()

	if !s.sawHeader {
		var header struct {
			Sequence int64 `json:"sequence"`
		}
		if err := json.Unmarshal(line, &header); err != nil {
			return nil, fmt.Errorf("decoding view-service header for query %q: %w", s.queryID, err)
		}
		s.sawHeader = true
		return &Item{Kind: Header, Sequence: header.Sequence}, nil
	}

	var row map[string]any
	if err := json.Unmarshal(line, &row); err != nil {
		return nil, fmt.Errorf("decoding view-service row for query %q: %w", s.queryID, err)
	}
	return &Item{Kind: Row, Data: row}, nil
}

// Close releases the underlying HTTP response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
