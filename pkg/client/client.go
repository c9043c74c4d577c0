// Package client provides the core fetch client: a single-request transport
// with rate limiting, bounded retries, and archive capture or replay.
//
// A client operates in exactly one of two modes, selected at construction.
// In live mode every request passes through the rate governor and the retry
// policy, and successful responses are optionally captured to an archive. In
// replay mode responses are served from the archive in recorded order and
// the governor and retry policy are bypassed entirely.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/datatrawl/trawl/pkg/archive"
	"github.com/datatrawl/trawl/pkg/ratelimit"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trawl_requests_total",
		Help: "Total requests by transport mode and status",
	}, []string{"mode", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trawl_request_duration_seconds",
		Help:    "Request duration in seconds by transport mode",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trawl_errors_total",
		Help: "Total errors by class",
	}, []string{"class"})
)

// Transport mode labels for metrics.
const (
	modeLive   = "live"
	modeReplay = "replay"
)

// Config holds the client configuration.
type Config struct {
	// Tokens is the auth token pool. May be empty for anonymous access.
	Tokens []string

	// AuthScheme is the Authorization header scheme ("token" for GitHub,
	// "Bearer" otherwise). Empty disables the header.
	AuthScheme string

	// UserAgent sent with every live request.
	UserAgent string

	// SleepForRate makes the client sleep until the budget reset instead
	// of failing when every token is exhausted.
	SleepForRate bool

	// MinRateToSleep is the budget floor for the governor.
	MinRateToSleep int

	// MaxRetries bounds the attempts per request.
	MaxRetries int

	// SleepTime is the initial retry backoff.
	SleepTime time.Duration

	// MaxBackoff caps the exponential retry backoff.
	MaxBackoff time.Duration

	// Timeout applies per HTTP request.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// RateHeaders names the API's rate-limit headers.
	RateHeaders ratelimit.HeaderSpec

	// RateStore optionally shares budget state across clients.
	RateStore ratelimit.Store

	// Archive enables capture (live mode) or serves responses (replay).
	Archive *archive.Archive

	// FromArchive selects replay mode. Requires Archive.
	FromArchive bool
}

// DefaultConfig returns a safe default configuration for live fetching.
func DefaultConfig() Config {
	return Config{
		AuthScheme:     "Bearer",
		UserAgent:      "trawl/0.1.0",
		MinRateToSleep: ratelimit.DefaultMinRateToSleep,
		MaxRetries:     5,
		SleepTime:      1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        30 * time.Second,
		RateHeaders:    ratelimit.GitHubHeaders(),
	}
}

// Client executes single page requests for the paginator.
type Client struct {
	httpClient *http.Client
	governor   *ratelimit.Governor
	reader     *archive.Reader
	config     Config
	retry      RetryConfig
	logger     zerolog.Logger
}

// New creates a new fetch client.
func New(cfg Config) (*Client, error) {
	if cfg.FromArchive && cfg.Archive == nil {
		return nil, fmt.Errorf("replay mode requires an archive")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	if cfg.SleepTime <= 0 {
		cfg.SleepTime = DefaultRetryConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "client").Logger()

	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
		retry: RetryConfig{
			MaxRetries:        cfg.MaxRetries,
			InitialBackoff:    cfg.SleepTime,
			MaxBackoff:        cfg.MaxBackoff,
			BackoffMultiplier: 2.0,
		},
		logger: logger,
	}

	if cfg.FromArchive {
		c.reader = cfg.Archive.NewReader()
		return c, nil
	}

	c.governor = ratelimit.NewGovernor(ratelimit.Config{
		Tokens:         cfg.Tokens,
		MinRateToSleep: cfg.MinRateToSleep,
		SleepForRate:   cfg.SleepForRate,
		Headers:        cfg.RateHeaders,
		Store:          cfg.RateStore,
		Logger:         log.With().Str("component", "governor").Logger(),
	})

	return c, nil
}

// FromArchive reports whether the client is in replay mode.
func (c *Client) FromArchive() bool {
	return c.reader != nil
}

// Logger returns the client's logger for collaborators that log alongside
// its requests.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// Do executes one request according to the client's transport mode.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.reader != nil {
		return c.replay(ctx, req)
	}
	return c.live(ctx, req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Response, error) {
	return c.Do(ctx, NewGet(endpoint, query))
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	return c.Do(ctx, NewPost(endpoint, body))
}

// replay serves the next archive record matching the request descriptor.
func (c *Client) replay(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(modeReplay).Observe(time.Since(start).Seconds())
	}()

	fingerprint := req.Fingerprint()
	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("fingerprint", fingerprint).
		Msg("Replaying request from archive")

	rec, err := c.reader.Next(ctx, fingerprint)
	if err != nil {
		requestsTotal.WithLabelValues(modeReplay, "error").Inc()
		c.logger.Error().Err(err).Str("endpoint", req.Endpoint).Msg("Archive replay failed")
		return nil, err
	}

	requestsTotal.WithLabelValues(modeReplay, fmt.Sprintf("%d", rec.StatusCode)).Inc()
	return &Response{
		StatusCode: rec.StatusCode,
		Header:     rec.Header,
		Body:       rec.Body,
	}, nil
}

// live executes the request over the network with rate limiting and retry,
// capturing the response when an archive is attached.
func (c *Client) live(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(modeLive).Observe(time.Since(start).Seconds())
	}()

	var resp *Response

	err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		token, err := c.governor.Acquire(ctx)
		if err != nil {
			return err
		}

		r, err := c.send(ctx, req, token)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, c.classify)
	if err != nil {
		return nil, err
	}

	if c.config.Archive != nil {
		rec := archive.Record{
			Fingerprint: req.Fingerprint(),
			Endpoint:    req.Endpoint,
			Method:      req.Method,
			Payload:     req.Payload(),
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			Body:        resp.Body,
		}
		if err := c.config.Archive.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("capture response: %w", err)
		}
	}

	return resp, nil
}

// send performs one HTTP attempt and converts HTTP-level failures into
// classified APIErrors.
func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.Method == http.MethodPost && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" && c.config.AuthScheme != "" {
		httpReq.Header.Set("Authorization", c.config.AuthScheme+" "+token)
	}

	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(modeLive, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", req.Endpoint).Msg("HTTP request failed")
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if err := c.governor.Update(ctx, httpResp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate budget from headers")
	}

	requestsTotal.WithLabelValues(modeLive, fmt.Sprintf("%d", httpResp.StatusCode)).Inc()

	if httpResp.StatusCode >= 400 {
		class := classifyStatus(httpResp.StatusCode, httpResp.Header, c.config.RateHeaders)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", req.Endpoint).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(class)).
			Msg("Request error")

		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: class,
			Message:    httpResp.Status,
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// classify assigns an error class for the retry policy.
func (c *Client) classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}

	// Budget exhausted with sleeping disabled: surface to caller, never
	// retried automatically.
	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}

	return ErrorClassNetwork
}

// classifyStatus categorizes an HTTP error status. A 403 or 429 is treated
// as a rate limit, not an auth failure, when the budget headers report an
// empty budget.
func classifyStatus(status int, headers http.Header, spec ratelimit.HeaderSpec) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusForbidden && headers.Get(spec.Remaining) == "0":
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
