// Package evaluator talks to the external answer-scoring service.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 500 * time.Millisecond

	// maxBodyBytes caps how much of a scorer response is read.
	maxBodyBytes = 1 << 20
)

// ErrMalformedResponse is returned when the scorer replies with something
// that is not a JSON score object.
var ErrMalformedResponse = errors.New("malformed score response")

// StatusError is returned when the scorer answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("scorer returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("scorer returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends answers to an HTTP scoring endpoint.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each individual attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets how many times a temporary failure is retried and the
// initial backoff, which doubles after every attempt.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = max(retries, 0)
		c.backoff = backoff
	}
}

// New creates a client for the scoring endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate scores one answer. Temporary failures (transport errors, 429 and
// 5xx) are retried with exponential backoff; anything else fails at once.
func (c *Client) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.ScoreResponse, error) {
	if req.Keywords == nil {
		req.Keywords = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying scorer request", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			delay *= 2
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !temporary(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (*model.ScoreResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scorer request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read scorer response: %w", err)
	}
	slog.Debug("scorer response", "status", resp.StatusCode, "elapsed", time.Since(start), "bytes", len(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}

	var scores model.ScoreResponse
	if err := json.Unmarshal(data, &scores); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &scores, nil
}

func temporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	// Decoding problems will not fix themselves.
	return !errors.Is(err, ErrMalformedResponse)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
