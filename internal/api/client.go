// Package api provides the outbound HTTP client for the 21st.dev API with
// timeout, exponential-backoff retry, connection keep-alive, and response
// caching.
//
// Retry policy: 5xx responses and transport-level failures are retried with
// capped, jittered exponential backoff; 4xx responses are returned
// immediately. After retries exhaust, the last response or error is surfaced
// rather than swallowed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/21st-dev/magic/pkg/cache"
	"github.com/21st-dev/magic/pkg/redact"
)

// Client defaults.
const (
	DefaultBaseURL   = "https://magic-api.21st.dev"
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
	DefaultJitterMax = 250 * time.Millisecond
)

// apiKeyHeader carries the upstream credential on every request.
const apiKeyHeader = "x-api-key"

// TimeoutError reports an upstream request that exceeded its deadline. It
// carries the endpoint and the configured duration so callers can distinguish
// timeouts from other transport failures.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("api: request to %s timed out after %s", e.Endpoint, e.Timeout)
}

// StatusError reports a non-success HTTP response that was not retried (4xx)
// or survived all retries (5xx).
type StatusError struct {
	Endpoint string
	Status   int
	Body     []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s returned status %d", e.Endpoint, e.Status)
}

// Config parameterizes a Client. Zero values fall back to the defaults.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterMax time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// Client issues JSON requests to the upstream API. Safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	timeout   time.Duration
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	jitterMax time.Duration

	httpClient *http.Client
	cache      *cache.Cache[[]byte]
	logger     *slog.Logger

	sleep func(time.Duration) // stubbed in tests
}

// New creates a Client with keep-alive enabled on its transport.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.JitterMax <= 0 {
		cfg.JitterMax = DefaultJitterMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		jitterMax: cfg.JitterMax,
		httpClient: &http.Client{
			Transport: transport,
		},
		cache:  cache.New[[]byte](cfg.CacheSize, cfg.CacheTTL),
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPatch, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// CachedPost is Post with a read-through cache keyed by (URL, body). Cache
// hits never touch the network.
func (c *Client) CachedPost(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	key := cache.Key(c.baseURL+path, payload)

	if data, ok := c.cache.Get(key); ok {
		c.logger.Debug("api cache hit", "path", path)
		return data, nil
	}

	data, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, data)
	return data, nil
}

// CacheStats exposes the read-through cache counters.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// Do issues one JSON request with the client's retry policy.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, payload)
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: encoding request body: %w", err)
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug("api retrying",
				"endpoint", redact.URL(endpoint),
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-sleepChan(c.sleep, delay):
			}
		}

		data, retryable, err := c.attempt(ctx, method, endpoint, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs a single request. The bool reports whether the failure may
// be retried.
func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("api: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-attempt deadline fired, not the caller's context.
			return nil, true, &TimeoutError{Endpoint: endpoint, Timeout: c.timeout}
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// Connection refused, DNS failure, and friends.
		return nil, true, fmt.Errorf("api: request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("api: reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, false, nil
	}

	statusErr := &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: data}
	return nil, shouldRetry(resp.StatusCode), statusErr
}

// shouldRetry reports whether a status code is worth retrying: server errors
// are, client errors never are.
func shouldRetry(status int) bool {
	return status >= 500 && status <= 599
}

// backoff computes the delay before retry number attempt+1:
// min(baseDelay * 2^attempt + random(0, jitterMax), maxDelay).
func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := c.baseDelay * (1 << attempt)
	if delay <= 0 || delay > c.maxDelay {
		return c.maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(c.jitterMax) + 1))
	if delay+jitter > c.maxDelay {
		return c.maxDelay
	}
	return delay + jitter
}

// sleepChan adapts the injectable sleep function to a select-able channel so
// context cancellation can interrupt a backoff wait.
func sleepChan(sleep func(time.Duration), d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sleep(d)
		close(ch)
	}()
	return ch
}
