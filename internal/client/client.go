// Package client provides the HTTP client of the detection service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teth/internal/detection"
	tetherrors "teth/internal/errors"
	"teth/internal/schema"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 5 * time.Second

// Client handles API communication with the detection service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("service returned %d: %s", e.Status, e.Message)
}

// NewClient creates a new API client. A zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithAPIKey sends key in the X-API-Key header.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// BaseURL returns the service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches GET /health. Transport failures are reported as
// *errors.UnreachableDependencyError.
func (c *Client) Health(ctx context.Context) (*schema.HealthResponse, error) {
	var out schema.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches GET /stats.
func (c *Client) Stats(ctx context.Context) (*schema.StatsResponse, error) {
	var out schema.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestTool posts a single event to /api/v1/ingest/tool.
func (c *Client) IngestTool(ctx context.Context, req *schema.IngestRequest) (*schema.IngestResponse, error) {
	var out schema.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest/tool", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestChain posts a chain event to /api/v1/ingest/chain.
func (c *Client) IngestChain(ctx context.Context, req *schema.IngestRequest) (*schema.IngestResponse, error) {
	var out schema.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest/chain", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chain fetches the correlation state of a chain.
func (c *Client) Chain(ctx context.Context, chainID string) (*detection.ChainState, error) {
	var out detection.ChainState
	if err := c.do(ctx, http.MethodGet, "/api/v1/chains/"+url.PathEscape(chainID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &tetherrors.UnreachableDependencyError{Service: "detection service", URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusBadRequest {
			return &tetherrors.ValidationError{Msg: "rejected by service", Err: apiErr}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
