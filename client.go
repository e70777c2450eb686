// Package clinicsync is the offline-first synchronization layer of the
// Equidade clinic client.
//
// It keeps the application usable while disconnected: mutations are
// persisted as pending operations in a durable store, replayed by the
// sync coordinator once connectivity returns, and GET traffic is served
// through a cache router that picks a strategy per resource class. A
// managed WebSocket channel with backoff, heartbeat and an outbound
// buffer runs alongside.
//
// Example:
//
//	rt, _ := clinicsync.New(cfg, clinicsync.WithLogger(logger))
//	_ = rt.Init(ctx)
//	defer rt.Close()
//
//	ent, _ := rt.Coordinator.Mutate(ctx, clinicsync.MutationRequest{
//		Operation:  clinicsync.OpCreate,
//		EntityType: "appointment",
//		Payload:    map[string]any{"patientId": 7},
//	})
package clinicsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single REST call.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Shared options
// ============================================================================

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures components built by this package.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ============================================================================
// Client
// ============================================================================

// Client issues JSON REST calls against the clinic API and classifies
// failures into *NetworkError (retryable) and *APIError (surfaced).
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends body as JSON and returns the raw 2xx response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method, URL: u, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// Ping checks that the server answers at all. Any HTTP response counts
// as reachable; only transport failures are returned.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodHead, "/", nil)
	if err != nil && !IsNetworkError(err) {
		return nil
	}
	return err
}

// newAPIError decodes {code, message} or {error} bodies when present.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: body}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		if apiErr.Message == "" {
			apiErr.Message = parsed.Error
		}
	}
	return apiErr
}

// decodeRecord parses a server record. Empty bodies (204) yield nil.
func decodeRecord(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	// Some endpoints wrap the record as {"data": {...}}.
	if inner, ok := rec["data"].(map[string]any); ok && rec["id"] == nil {
		return inner, nil
	}
	return rec, nil
}

// recordID extracts the canonical id, accepting numeric ids.
func recordID(rec map[string]any) string {
	switch v := rec["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return ""
}
