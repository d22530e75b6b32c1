// Package remote provides a client for the build resource API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10

	// DefaultNamespace is used when no namespace is configured.
	DefaultNamespace = "default"

	mergePatchContentType = "application/merge-patch+json"
)

// Client talks to the build resource API. Annotations are applied with JSON
// merge patch semantics so removals and additions land in one edit.
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

var _ interfaces.BuildClient = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithNamespace sets the default namespace reported by the client.
func WithNamespace(namespace string) ClientOption {
	return func(c *Client) {
		if namespace != "" {
			c.namespace = namespace
		}
	}
}

// WithHTTPClient sets a custom HTTP client, replacing the token transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
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

// NewClient creates a build API client authenticating with the given bearer
// token. An empty token sends unauthenticated requests.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   baseURL,
		namespace: DefaultNamespace,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	if token != "" {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		c.httpClient = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: &oauth2.Transport{Source: source},
		}
	} else {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DefaultNamespace returns the namespace used for builds without an explicit
// one.
func (c *Client) DefaultNamespace() string {
	return c.namespace
}

// Close releases idle connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GetBuild fetches a build resource.
func (c *Client) GetBuild(ctx context.Context, namespace, name string) (*models.Build, error) {
	var build models.Build
	path := c.buildPath(namespace, name)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// PatchBuild applies annotation and status changes to a build resource in one
// merge patch. Removed annotations are encoded as JSON nulls. An empty patch
// is a no-op.
func (c *Client) PatchBuild(ctx context.Context, namespace, name string, patch models.BuildPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	body := map[string]interface{}{}
	if len(patch.SetAnnotations) > 0 || len(patch.RemoveAnnotations) > 0 {
		annotations := make(map[string]interface{}, len(patch.SetAnnotations)+len(patch.RemoveAnnotations))
		for k, v := range patch.SetAnnotations {
			annotations[k] = v
		}
		for _, k := range patch.RemoveAnnotations {
			annotations[k] = nil
		}
		body["annotations"] = annotations
	}
	if patch.Status != nil {
		body["status"] = patch.Status
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode build patch: %w", err)
	}

	path := c.buildPath(namespace, name)
	return c.do(ctx, http.MethodPatch, path, encoded, mergePatchContentType, nil)
}

func (c *Client) buildPath(namespace, name string) string {
	if namespace == "" {
		namespace = c.namespace
	}
	return fmt.Sprintf("/api/v1/namespaces/%s/builds/%s", namespace, name)
}

// do performs one API request, returning a models.RemoteStatusError for any
// non-2xx response.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", c.baseURL+path).
			Msg("Build API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message, _ := io.ReadAll(resp.Body)
		return &models.RemoteStatusError{
			Code:     resp.StatusCode,
			Message:  string(message),
			Endpoint: path,
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
