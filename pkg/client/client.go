// Package client is the HTTP runtime behind pipeline resources: it sends
// requests with the source's headers and bearer token, gates them on the
// host's advertised quota, answers them from the Redis page cache when
// fresh, retries transient failures and pages through collections.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/rest-pipeline/pkg/cache"
	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/Sternrassler/rest-pipeline/pkg/pagination"
	"github.com/Sternrassler/rest-pipeline/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_client_requests_total",
		Help: "Total API requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_client_request_duration_seconds",
		Help:    "API request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_client_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_client_pages_total",
		Help: "Total pages decoded by host",
	}, []string{"host"})
)

// maxErrorBody caps how much of an error response is kept in APIError.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// BaseURL is joined with every resource path. Required.
	BaseURL string

	// Headers are sent with every request.
	Headers map[string]string

	// Token is sent as "Authorization: Bearer <token>" when set.
	Token string

	// TokenSource is asked for the bearer token before every request and
	// takes precedence over Token.
	TokenSource TokenSource

	// UserAgent identifies the pipeline to the API. Required.
	UserAgent string

	// Redis enables the page cache and quota tracking. Optional.
	Redis *redis.Client

	// Paginator defaults to pagination.Auto.
	Paginator pagination.Paginator

	// DataSelector names the response field holding the records for
	// resources that do not set their own.
	DataSelector string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
}

// TokenSource supplies bearer tokens. Implementations are expected to cache
// and renew tokens themselves.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// DefaultConfig returns a configuration for baseURL with safe defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      "rest-pipeline/1.0",
		Paginator:      pagination.Auto{NextField: pagination.DefaultNextField},
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Client executes API requests for one source.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.Paginator == nil {
		cfg.Paginator = pagination.Auto{NextField: pagination.DefaultNextField}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger("client")

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}
	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	}
	return c, nil
}

func (c *Client) retryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       c.config.MaxRetries + 1,
		InitialBackoff:    c.config.InitialBackoff,
		MaxBackoff:        c.config.MaxBackoff,
		BackoffMultiplier: 2.0,
	}
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	if c.config.TokenSource == nil {
		return c.config.Token, nil
	}
	token, err := c.config.TokenSource.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("bearer token: %w", err)
	}
	return token, nil
}

// tokenScope keeps cached pages of different credentials apart.
func tokenScope(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "auth-" + hex.EncodeToString(sum[:4])
}

// Do sends req with quota gating, caching and retries. Any status >= 400
// is returned as an *APIError; on success the caller owns the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(startTime).Seconds())
	}()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx, host); err != nil {
			requestsTotal.WithLabelValues(host, "rate_limited").Inc()
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cacheable := c.cache != nil && req.Method == http.MethodGet
	cacheKey := cache.Key{
		Endpoint: req.URL.Scheme + "://" + req.URL.Host + req.URL.Path,
		Query:    req.URL.Query(),
		Scope:    tokenScope(token),
	}

	var staleEntry *cache.Entry
	if cacheable {
		entry, err := c.cache.GetStale(ctx, cacheKey)
		switch {
		case err == nil && !entry.IsExpired():
			cache.CacheHits.Inc()
			requestsTotal.WithLabelValues(host, "cached").Inc()
			c.logger.Debug().Str("endpoint", req.URL.Path).Msg("Serving response from cache")
			return cache.EntryToResponse(entry, req), nil
		case err == nil:
			cache.CacheMisses.Inc()
			if cache.ShouldMakeConditionalRequest(entry) {
				staleEntry = entry
				cache.AddConditionalHeaders(req, entry)
				c.logger.Debug().
					Str("endpoint", req.URL.Path).
					Str("etag", entry.ETag).
					Msg("Making conditional request")
			}
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", req.URL.Path).Msg("Cache get error")
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	var resp *http.Response
	err = retryWithBackoff(ctx, c.retryConfig(), c.logger, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req.Clone(ctx))
		if reqErr != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(host, "network_error").Inc()
			return &APIError{
				ErrorClass: ErrorClassNetwork,
				URL:        req.URL.String(),
				Message:    "request failed",
				Err:        reqErr,
			}
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromHeaders(ctx, host, resp.Header); err != nil {
				c.logger.Warn().Err(err).Str("host", host).Msg("Failed to update rate limit from headers")
			}
		}

		requestsTotal.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode < 400 {
			return nil
		}

		errClass := classify(resp.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			URL:        req.URL.String(),
			Message:    resp.Status,
		}
		if len(body) > 0 {
			apiErr.Message = resp.Status + ": " + string(body)
		}
		if wait, ok := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			apiErr.RetryAfter = wait
		}

		c.logger.Warn().
			Str("endpoint", req.URL.Path).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("API request error")
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && staleEntry != nil {
		resp.Body.Close()
		cache.NotModified.Inc()
		c.logger.Debug().Str("endpoint", req.URL.Path).Msg("304 Not Modified, using cache")
		if err := c.cache.UpdateTTL(ctx, cacheKey, cache.Freshness(resp.Header)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
		return cache.EntryToResponse(staleEntry, req), nil
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if !entry.IsExpired() || cache.ShouldMakeConditionalRequest(entry) {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return resp, nil
}

// Get sends a GET request for path relative to the base URL.
func (c *Client) Get(ctx context.Context, path string, params map[string]any) (*http.Response, error) {
	u, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// CheckConnection requests probe and reports whether the API answered with
// a success status. The error explains a false result.
func (c *Client) CheckConnection(ctx context.Context, probe string) (bool, error) {
	resp, err := c.Get(ctx, probe, nil)
	if err != nil {
		return false, fmt.Errorf("connection check %q: %w", probe, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("connection check %q: unexpected status %s", probe, resp.Status)
	}
	return true, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
