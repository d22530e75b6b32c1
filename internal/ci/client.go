// Package ci provides a client for the CI engine's run API.
package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout for API calls. Log streaming
	// uses its own unlimited client.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10
)

// APIError represents an error from the CI engine API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsNotFound reports whether err means the engine no longer knows the run.
func IsNotFound(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// Client talks to the CI engine's run API. Lookup returns one stable handle
// per run key; repeated lookups refresh the handle in place so every holder
// observes the engine's current state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	streamer   *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter

	mu   sync.Mutex
	runs map[string]*Run
}

var _ interfaces.RunSource = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client, replacing the token transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
		c.streamer = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a CI engine client authenticating with the given bearer
// token. An empty token sends unauthenticated requests.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		runs:    make(map[string]*Run),
	}

	var transport http.RoundTripper
	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		}
	}
	c.httpClient = &http.Client{Timeout: DefaultTimeout, Transport: transport}
	// Log downloads can be arbitrarily large; callers bound them with ctx.
	c.streamer = &http.Client{Transport: transport}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the engine root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ready reports whether the engine answers its health endpoint. Used to gate
// watcher startup until the engine can actually serve run lookups.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// RefreshResources asks the engine to re-read its configuration derived
// from one host resource kind (pipeline templates, secrets, config maps).
// The sibling relist watchers call this on their schedules.
func (c *Client) RefreshResources(ctx context.Context, kind string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	endpoint := "/api/resources/" + url.PathEscape(kind) + "/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   endpoint,
		}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Lookup fetches the run's current state from the engine. The returned
// handle is stable per key: a later Lookup for the same key refreshes and
// returns the same handle.
func (c *Client) Lookup(ctx context.Context, key string) (interfaces.Run, error) {
	run, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) lookup(ctx context.Context, key string) (*Run, error) {
	var payload runPayload
	endpoint := "/api/runs/" + url.PathEscape(key)
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.Key == "" {
		payload.Key = key
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	run, exists := c.runs[key]
	if !exists {
		run = &Run{client: c, key: key}
		c.runs[key] = run
	}
	run.update(payload)
	return run, nil
}

// Forget drops the cached handle for a run that is gone for good.
func (c *Client) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, key)
}

// get performs a GET request to the engine API.
func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.logger != nil {
		c.logger.Debug().
			Str("url", c.baseURL+endpoint).
			Msg("Engine API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   endpoint,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// runPayload is the engine's wire representation of a run.
type runPayload struct {
	Key             string               `json:"key"`
	Kind            models.RunKind       `json:"kind"`
	Job             string               `json:"job"`
	URLPath         string               `json:"urlPath"`
	Started         bool                 `json:"started"`
	Running         bool                 `json:"running"`
	Result          models.RunResult     `json:"result,omitempty"`
	StartTimeMillis int64                `json:"startTimeMillis,omitempty"`
	DurationMillis  int64                `json:"durationMillis,omitempty"`
	Trigger         *models.TriggerCause `json:"trigger,omitempty"`
	Detail          *models.RunDetail    `json:"detail,omitempty"`
}

// Run is a live handle on one engine run. Accessors read the snapshot from
// the most recent Lookup; all holders of the handle share it.
type Run struct {
	client *Client
	key    string

	mu       sync.RWMutex
	snapshot runPayload
}

var _ interfaces.Run = (*Run)(nil)

func (r *Run) update(payload runPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = payload
}

func (r *Run) Key() string { return r.key }

func (r *Run) Kind() models.RunKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Kind
}

func (r *Run) JobName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Job
}

func (r *Run) URLPath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.URLPath
}

func (r *Run) IsStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Started
}

func (r *Run) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Running
}

func (r *Run) Result() models.RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Result
}

func (r *Run) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot.StartTimeMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.snapshot.StartTimeMillis).UTC()
}

func (r *Run) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.snapshot.DurationMillis) * time.Millisecond
}

func (r *Run) Cause() *models.TriggerCause {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Trigger
}

func (r *Run) Detail() *models.RunDetail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Detail
}

// LogReader streams the run's full console log from the start. The caller
// owns the returned body.
func (r *Run) LogReader(ctx context.Context) (io.ReadCloser, error) {
	c := r.client
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	logURL := common.JoinPaths(c.baseURL, r.URLPath(), "consoleText")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.streamer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run log: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   logURL,
		}
	}
	return resp.Body, nil
}

// SetDescription updates the run's description on the engine.
func (r *Run) SetDescription(ctx context.Context, description string) error {
	c := r.client
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return fmt.Errorf("failed to encode description: %w", err)
	}

	endpoint := "/api/runs/" + url.PathEscape(r.key) + "/description"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   endpoint,
		}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
