// Package httputil provides HTTP helpers shared by API handlers and outbound
// clients for the payment, merchandise and AI providers.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	svcerrors "github.com/anoint-array/platform/internal/errors"
)

// =============================================================================
// Outbound Client
// =============================================================================

// AuthFunc decorates an outbound request with credentials.
type AuthFunc func(ctx context.Context, req *http.Request) error

// BearerAuth returns an AuthFunc that sets a static bearer token.
func BearerAuth(token string) AuthFunc {
	return func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// HeaderAuth returns an AuthFunc that sets arbitrary static headers.
func HeaderAuth(headers map[string]string) AuthFunc {
	return func(_ context.Context, req *http.Request) error {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return nil
	}
}

// Client is a JSON API client with bounded retries on transient failures.
type Client struct {
	service    string
	httpClient *http.Client
	baseURL    string
	auth       AuthFunc
	maxRetries int
	backoff    time.Duration
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Service names the upstream in errors and logs.
	Service    string
	BaseURL    string
	Auth       AuthFunc
	Timeout    time.Duration
	MaxRetries int
	// Backoff is the initial delay between retries; it doubles per attempt.
	Backoff    time.Duration
	HTTPClient *http.Client
}

// NewClient creates an outbound client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 200 * time.Millisecond
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	service := cfg.Service
	if service == "" {
		service = "upstream"
	}

	return &Client{
		service:    service,
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		auth:       cfg.Auth,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Service returns the upstream name.
func (c *Client) Service() string {
	return c.service
}

// Do executes a request with a JSON body and returns the raw response. The
// caller owns the response body. Transient failures (network errors, 429 and
// 5xx) are retried with exponential backoff.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		switch b := body.(type) {
		case []byte:
			payload = b
		case string:
			payload = []byte(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			payload = data
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doOnce(ctx, method, path, payload, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = svcerrors.Upstream(c.service, true, err)
			continue
		}

		if svcerrors.TransientStatus(resp.StatusCode) && attempt < c.maxRetries {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			lastErr = svcerrors.Upstream(c.service, true, fmt.Errorf("status %d", resp.StatusCode))
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, headers map[string]string) (*http.Response, error) {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.baseURL + path
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		if err := c.auth(ctx, req); err != nil {
			return nil, fmt.Errorf("authorize request: %w", err)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// DoJSON executes a request and decodes a successful JSON response into
// target. Error statuses become upstream ServiceErrors.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, target interface{}, headers map[string]string) error {
	resp, err := c.Do(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, truncated, readErr := ReadAllWithLimit(resp.Body, 64<<10)
		if readErr != nil {
			return svcerrors.Upstream(c.service, false, fmt.Errorf("read error response: %w", readErr))
		}
		text := strings.TrimSpace(string(msg))
		if truncated {
			text += "...(truncated)"
		}
		return svcerrors.Upstream(c.service, svcerrors.TransientStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, text)).
			WithDetails("status", resp.StatusCode)
	}
	return DecodeResponse(resp, target)
}

// Get performs a GET request and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string, target interface{}) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, target, nil)
}

// Post performs a POST request with JSON body and decodes the JSON response.
func (c *Client) Post(ctx context.Context, path string, body, target interface{}) error {
	return c.DoJSON(ctx, http.MethodPost, path, body, target, nil)
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if raw, ok := target.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// ReadAllWithLimit reads up to limit bytes and reports whether the body was
// longer.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the body and fails when it exceeds limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
