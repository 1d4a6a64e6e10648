// Package transport is the shared outbound HTTP layer: fixed per-client
// timeouts plus bounded exponential-backoff retries for transient failures.
package transport

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

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second

	maxErrorBody = 2048
)

// StatusError is returned for any non-2xx response. Body holds the remote
// error text so schema and filter mistakes are visible to the caller.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Retryable reports whether a status code is worth another attempt.
func Retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

type Request struct {
	Method string
	URL    string
	Body   interface{} // marshalled as JSON when non-nil
	Header http.Header
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Client struct {
	http       *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = uint64(n)
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: timeout},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req, retrying network errors, 5xx and 429 responses. Any other
// non-2xx status fails immediately with a *StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0

	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.once(ctx, req, payload)
		if err == nil {
			resp = r
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !Retryable(se.StatusCode) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.DebugContext(ctx, "http request failed, will retry", "method", req.Method, "url", req.URL, "attempt", attempt, "error", err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		text := string(data)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: httpResp.StatusCode,
			Body:       text,
		}
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: data}, nil
}
