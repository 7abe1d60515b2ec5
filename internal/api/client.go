// Package api talks to the board REST API. Client is the plain network
// client; GuardedClient wraps it so that writes made while offline are queued
// instead of failing.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/boardsync/internal/backoff"
	"github.com/agentworkforce/boardsync/internal/queue"
)

const healthPath = "/api/health"

// HTTPError is a server rejection. Error returns the server's message as-is
// so callers can show it to the user.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if text := http.StatusText(e.StatusCode); text != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, text)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// NetworkError wraps a transport failure: the request never produced an HTTP
// response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func IsHTTPError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetRetryPolicy overrides the retry budget used for 429/5xx responses and
// transport failures.
func (c *Client) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends body as JSON and decodes a 2xx response into out.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doJSON(ctx, method, path, bodyBytes, out, c.maxRetries)
}

// Replay resends a queued operation verbatim.
func (c *Client) Replay(ctx context.Context, op queue.Operation) error {
	var body []byte
	if len(op.Body) > 0 {
		body = op.Body
	}
	return c.doJSON(ctx, op.Method, op.URL, body, nil, c.maxRetries)
}

// Ping checks the health endpoint once, without retries.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, healthPath, nil, nil, 0)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	bodyBytes []byte,
	out any,
	maxRetries int,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < maxRetries {
				if waitErr := backoff.Sleep(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &NetworkError{Method: method, Path: requestPath, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &NetworkError{Method: method, Path: requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := backoff.Sleep(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func correlationID() string {
	return "boardsync_" + uuid.NewString()
}

// retryDelay honours Retry-After when the server sent one, capped like the
// exponential schedule.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := backoff.RetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	baseDelay := c.baseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return backoff.Exponential(attempt, baseDelay, maxDelay)
}
