package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Errors surfaced by the daemon API client. Callers classify with errors.Is.
var (
	ErrServerNotFound = errors.New("server not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
	ErrBackendCall    = errors.New("backend call failed")
)

// ServerDescriptor describes one tool server registered with the daemon.
// Sourced from the daemon's config store; read-only here.
type ServerDescriptor struct {
	Name            string   `json:"name"`
	Package         string   `json:"package"`
	Tools           []string `json:"tools,omitempty"`
	RequiredEnvVars []string `json:"requiredEnvVars,omitempty"`
	RequiredArgs    []string `json:"requiredArgs,omitempty"`
}

// ToolDescriptor describes one tool exposed by a server. Rebuilt in full on
// every catalog refresh, never merged.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Client is an HTTP client for the daemon's fixed API: health probe, server
// listing, per-server tool listing, and tool invocation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient substitutes the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the daemon API at baseURL. apiKey may be empty
// when the daemon runs without authentication.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the daemon API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendCall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned HTTP %d", ErrBackendCall, resp.StatusCode)
	}
	return nil
}

// ListServers returns every tool server registered with the daemon.
func (c *Client) ListServers(ctx context.Context) ([]ServerDescriptor, error) {
	var servers []ServerDescriptor
	if err := c.getJSON(ctx, "/servers", &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// ListTools returns the declared tool list for one server.
func (c *Client) ListTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	if err := c.getJSON(ctx, fmt.Sprintf("/servers/%s/tools", server), &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes a tool on a server and returns the daemon's raw response
// body. The response shape is normalized by the caller, not here.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	payload := map[string]interface{}{"arguments": args}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/servers/%s/tools/%s/call", c.baseURL, server, tool)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendCall, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrBackendCall, err)
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendCall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackendCall, err)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrServerNotFound, truncate(body, 200))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, status)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrBackendCall, status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
