// Package client provides the Zammad REST API client with token
// authentication, retries and rate limit cooldowns.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Zammad client operations.
var (
	zammadRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_requests_total",
		Help: "Total Zammad requests by endpoint and status",
	}, []string{"endpoint", "status"})

	zammadRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zammad_request_duration_seconds",
		Help:    "Zammad request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	zammadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_errors_total",
		Help: "Total Zammad errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// Client is the Zammad API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
	retryConfig func(ErrorClass) RetryConfig
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://example.zammad.com/api/v1.
	BaseURL string

	// Token is the API access token.
	Token string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration

	// Redis shares rate limit cooldowns between processes. Optional.
	Redis *redis.Client

	// Retry. Zero values keep the per error class defaults.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		UserAgent: "zammad-extract/1.0",
		Timeout:   300 * time.Second,
	}
}

// Response is a completed request with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// URL is the request URL including the query string.
	URL *url.URL
}

// New creates a new Zammad client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}

	logger := log.With().Str("component", "zammad-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "zammad-client").Logger()
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:     base,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		config:      cfg,
		logger:      logger,
	}
	c.retryConfig = c.retryConfigFor
	return c, nil
}

// retryConfigFor applies the configured overrides to the class defaults.
func (c *Client) retryConfigFor(class ErrorClass) RetryConfig {
	rc := RetryConfigForErrorClass(class)
	if c.config.MaxRetries > 0 {
		rc.MaxAttempts = c.config.MaxRetries + 1
	}
	if c.config.InitialBackoff > 0 {
		rc.InitialBackoff = c.config.InitialBackoff
	}
	if c.config.MaxBackoff > 0 {
		rc.MaxBackoff = c.config.MaxBackoff
	}
	return rc
}

// Get requests path below the base URL. Query parameters already present in
// path are kept; params override keys they share.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	u, err := c.resolve(path, params)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimPrefix(u.Path, c.baseURL.Path)

	startTime := time.Now()
	defer func() {
		zammadRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var resp *Response
	err = retryWithBackoff(ctx, c.logger, c.retryConfig, func() error {
		var attemptErr error
		resp, attemptErr = c.do(ctx, u, endpoint)
		return attemptErr
	}, classifyError)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, u *url.URL, endpoint string) (*Response, error) {
	if err := c.rateLimiter.WaitUntilAllowed(ctx); err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, Endpoint: endpoint, Message: "rate limit wait", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, Endpoint: endpoint, Message: "create request", Err: err}
	}
	req.Header.Set("Authorization", "Token token="+c.config.Token)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("query", u.RawQuery).
		Msg("Executing Zammad request")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// cancellation is not worth a retry
			return nil, &APIError{ErrorClass: ErrorClassClient, Endpoint: endpoint, Message: "request cancelled", Err: ctx.Err()}
		}
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		zammadErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		zammadRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		zammadErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Endpoint:   endpoint,
			Message:    "read body",
			Err:        err,
		}
	}

	status := strconv.Itoa(httpResp.StatusCode)
	zammadRequestsTotal.WithLabelValues(endpoint, status).Inc()

	if _, err := c.rateLimiter.UpdateFromResponse(ctx, httpResp.StatusCode, httpResp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit state")
	}

	if httpResp.StatusCode >= 400 {
		errClass := classifyStatus(httpResp.StatusCode)
		zammadErrorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Zammad request error")

		apiErr := &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: errClass,
			Endpoint:   endpoint,
			Message:    errorMessage(httpResp.Status, body),
		}
		if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
			apiErr.Err = ErrUnauthorized
		}
		return nil, apiErr
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		URL:        u,
	}, nil
}

// resolve joins path to the base URL and merges the query parameters.
func (c *Client) resolve(path string, params url.Values) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return nil, fmt.Errorf("path %q must be relative to the base url", path)
	}

	u := c.baseURL.JoinPath(ref.Path)
	query := ref.Query()
	for k, vs := range params {
		query[k] = append([]string(nil), vs...)
	}
	u.RawQuery = query.Encode()
	return u, nil
}

func errorMessage(status string, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return status
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return status + ": " + msg
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

// RateLimiter returns the cooldown tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
