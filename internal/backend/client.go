// Package backend is the HTTP client for the backend-of-record: agent
// directory endpoints, the fast snapshot aggregate, the position ledger, LP
// positions, token prices and position close.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/portfolio-sync/internal/config"
	"github.com/portfolio-sync/internal/logging"
)

// ErrNotSuccessful is returned when the backend answers 2xx with success=false
var ErrNotSuccessful = errors.New("backend reported success=false")

// StatusError is a non-2xx backend response
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Client talks to the backend-of-record
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	logger     *logging.Logger
}

// NewClient creates a backend client from configuration
func NewClient(cfg config.BackendConfig) *Client {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		retries:    1,
		backoff:    200 * time.Millisecond,
		logger:     logging.GetGlobalLogger().ForComponent("backend"),
	}
}

// Envelope is the common response wrapper
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e Envelope) ok() bool { return e.Success }

type successChecker interface{ ok() bool }

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body interface{}, out successChecker) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<uint(attempt-1))):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		lastErr = c.roundTrip(req, path, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		c.logger.WithFields(map[string]interface{}{
			"path":       path,
			"attempt":    attempt + 1,
			"request_id": requestID,
		}).WithError(lastErr).Debug("Backend request failed, retrying")
	}
	return lastErr
}

func (c *Client) roundTrip(req *http.Request, path string, out successChecker) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%s %s: timeout: %w", req.Method, path, err)
		}
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", req.Method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(bytes.TrimSpace(buf))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &StatusError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return fmt.Errorf("%s %s: empty response", req.Method, path)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, path, err)
	}
	if !out.ok() {
		return fmt.Errorf("%s %s: %w", req.Method, path, ErrNotSuccessful)
	}
	return nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, ErrNotSuccessful) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func walletQuery(wallet string) url.Values {
	return url.Values{"wallet": {strings.ToLower(wallet)}}
}
