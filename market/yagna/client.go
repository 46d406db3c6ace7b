// Package yagna implements market.Marketplace on top of the REST API of a
// local Golem requestor daemon.
package yagna

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	"golang.org/x/time/rate"

	"github.com/paw-chain/crunch/types"
)

const (
	defaultRequestTimeout = 90 * time.Second
	defaultRatePerSecond  = 20
	defaultBurst          = 10
	maxErrorBody          = 512
)

// Config configures the daemon client.
type Config struct {
	BaseURL string
	AppKey  string
	// Subnet is the marketplace subnet demands are published in.
	Subnet string
	// PollTimeout is the long-poll window of event endpoints.
	PollTimeout time.Duration
	// RegistryURL resolves image tags to package URLs.
	RegistryURL string
	// AppSessionID tags agreements so their events can be traced to one run.
	AppSessionID   string
	RatePerSecond  float64
	Burst          int
	RequestTimeout time.Duration
}

// DefaultConfig returns settings for a daemon on the default local port.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:7465",
		Subnet:         "public",
		PollTimeout:    5 * time.Second,
		RegistryURL:    DefaultRegistryURL,
		RatePerSecond:  defaultRatePerSecond,
		Burst:          defaultBurst,
		RequestTimeout: defaultRequestTimeout,
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client is the requestor-side daemon client. It implements market.Marketplace.
type Client struct {
	config  Config
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  log.Logger

	mu       sync.RWMutex
	identity types.Identity
	demands  map[string]*publishedDemand
	images   map[string]string
}

// NewClient creates a daemon client.
func NewClient(config Config, logger log.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: daemon url is required", types.ErrInvalidConfig)
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: daemon url: %v", types.ErrInvalidConfig, err)
	}
	defaults := DefaultConfig()
	if config.Subnet == "" {
		config.Subnet = defaults.Subnet
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	if config.RegistryURL == "" {
		config.RegistryURL = defaults.RegistryURL
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = defaults.RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Timeout: config.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		logger:  logger.With("module", "yagna"),
		demands: make(map[string]*publishedDemand),
		images:  make(map[string]string),
	}, nil
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Identity returns the identity reported by the last Connect.
func (c *Client) Identity() types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. A nil body sends no payload.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AppKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AppKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// backoff returns the retry delay after attempt consecutive failures:
// 1s doubling, capped at 30s.
func backoff(attempt int) time.Duration {
	const (
		base    = time.Second
		ceiling = 30 * time.Second
	)
	if attempt <= 0 {
		return 0
	}
	if attempt > 5 {
		return ceiling
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func pollSeconds(d time.Duration) string {
	secs := d.Seconds()
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%g", secs)
}
