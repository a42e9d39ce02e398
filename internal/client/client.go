// Package client provides an HTTP client for the notegrade API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/notegrade/notegrade/internal/evaluation"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/middleware"
	"github.com/notegrade/notegrade/internal/store"
)

// Client is an HTTP client for the notegrade API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clientID   string
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// ClientID identifies the caller for per-client rate limiting.
	ClientID string

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		MaxConnsPerHost: 100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost / 5, // 20% per host
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// APIError is an error response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == errors.CodeNotFound
}

// Health checks if the API is healthy. A degraded server answers 503,
// which is returned as an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Evaluate submits an evaluation. A candidate already evaluated for the
// speaker is returned with AlreadyEvaluated set.
func (c *Client) Evaluate(ctx context.Context, req evaluation.Request) (*evaluation.Result, error) {
	var resp evaluation.Result
	if err := c.post(ctx, "/v1/evaluations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEvaluation fetches one evaluation.
func (c *Client) GetEvaluation(ctx context.Context, id string) (*store.Evaluation, error) {
	var resp store.Evaluation
	if err := c.get(ctx, "/v1/evaluations/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Score computes metrics for two texts without storing anything.
func (c *Client) Score(ctx context.Context, req evaluation.ScoreRequest) (*evaluation.Scores, error) {
	var resp evaluation.Scores
	if err := c.post(ctx, "/v1/score", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SpeakerMetric fetches a speaker's aggregate.
func (c *Client) SpeakerMetric(ctx context.Context, speakerID string) (*store.SpeakerMetric, error) {
	var resp store.SpeakerMetric
	if err := c.get(ctx, "/v1/speakers/"+url.PathEscape(speakerID)+"/metrics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListEvaluations lists a speaker's evaluations, oldest first.
func (c *Client) ListEvaluations(ctx context.Context, speakerID string) ([]*store.Evaluation, error) {
	var resp evaluation.ListEvaluationsResponse
	if err := c.get(ctx, "/v1/speakers/"+url.PathEscape(speakerID)+"/evaluations", &resp); err != nil {
		return nil, err
	}
	return resp.Evaluations, nil
}

// RebuildSpeakerMetric asks the server to refold a speaker's aggregate.
func (c *Client) RebuildSpeakerMetric(ctx context.Context, speakerID string) (*store.SpeakerMetric, error) {
	var resp store.SpeakerMetric
	if err := c.post(ctx, "/v1/speakers/"+url.PathEscape(speakerID)+"/metrics/rebuild", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OverallMetrics fetches the cross-speaker rollup.
func (c *Client) OverallMetrics(ctx context.Context) (*store.OverallMetrics, error) {
	var resp store.OverallMetrics
	if err := c.get(ctx, "/v1/metrics/overall", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request.
func (c *Client) do(req *http.Request, result interface{}) error {
	if c.clientID != "" {
		req.Header.Set(middleware.ClientHeader, c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
