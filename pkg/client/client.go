// Package client provides the CRM Bulk Read HTTP client with authentication,
// API credit tracking, and error classification.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/Sternrassler/crm-bulk-etl/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for CRM client operations.
var (
	crmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_requests_total",
		Help: "Total CRM API requests by operation and status",
	}, []string{"operation", "status"})

	crmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_request_duration_seconds",
		Help:    "CRM API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	crmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_errors_total",
		Help: "Total CRM API errors by class",
	}, []string{"class"})
)

// Operation labels.
const (
	OpCreateJob = "create_job"
	OpJobStatus = "job_status"
	OpDownload  = "download"
)

// DefaultAPIDomain is the API host of the US data center.
const DefaultAPIDomain = "https://www.zohoapis.com"

// ErrorClass represents a classification of request errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401 responses and token failures.
	ErrorClassAuth ErrorClass = "auth"
)

// TokenSource supplies OAuth access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)

	// Invalidate drops the current token after the API rejected it.
	Invalidate(ctx context.Context) error
}

// Client talks to the Bulk Read API.
type Client struct {
	httpClient  *http.Client
	tokens      TokenSource
	rateLimiter *ratelimit.Tracker
	limiter     *rate.Limiter
	baseURL     string
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// APIDomain is the data-center specific API host, e.g. https://www.zohoapis.com
	APIDomain string

	// Tokens supplies the access token for every request (REQUIRED)
	Tokens TokenSource

	// Redis shares the API credit state between processes (optional)
	Redis *redis.Client

	// User-Agent header
	UserAgent string

	// Client side request limiter, requests per second (0 = unlimited)
	RateLimit float64
	Burst     int

	// Timeout for a single request, including the body of a download
	Timeout time.Duration

	// Logger overrides the component logger
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(tokens TokenSource, userAgent string) Config {
	return Config{
		APIDomain: DefaultAPIDomain,
		Tokens:    tokens,
		UserAgent: userAgent,
		RateLimit: 5,
		Burst:     1,
		Timeout:   5 * time.Minute,
	}
}

// New creates a new CRM client.
func New(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.APIDomain == "" {
		cfg.APIDomain = DefaultAPIDomain
	}
	if !strings.HasPrefix(cfg.APIDomain, "http://") && !strings.HasPrefix(cfg.APIDomain, "https://") {
		return nil, fmt.Errorf("api domain must be an http(s) URL (got %q)", cfg.APIDomain)
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	logger := logging.NewLogger(logging.ComponentClient)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:      cfg.Tokens,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		limiter:     limiter,
		baseURL:     strings.TrimRight(cfg.APIDomain, "/"),
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs an authenticated request with credit tracking and error
// classification. op labels the request in metrics and logs.
//
// A 401 invalidates the access token and the request is sent once more with
// a fresh one when its body can be replayed. Responses with status >= 400 are
// returned to the caller with their body open.
func (c *Client) Do(op string, req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	startTime := time.Now()
	defer func() {
		crmRequestDuration.WithLabelValues(op).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Wait out a low credit window
	if err := c.rateLimiter.Wait(ctx); err != nil {
		crmRequestsTotal.WithLabelValues(op, "cancelled").Inc()
		return nil, fmt.Errorf("credit window wait: %w", err)
	}

	// Step 2: Client side limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request limiter: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)

	for attempt := 1; ; attempt++ {
		// Step 3: Authenticate
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			crmErrorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
			crmRequestsTotal.WithLabelValues(op, "auth_error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+token)

		c.logger.Debug().
			Str("operation", op).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("attempt", attempt).
			Msg("Executing CRM request")

		// Step 4: Execute
		resp, err := c.httpClient.Do(req)
		if err != nil {
			errClass := c.classifyError(nil, err)
			crmErrorsTotal.WithLabelValues(string(errClass)).Inc()
			crmRequestsTotal.WithLabelValues(op, "network_error").Inc()
			c.logger.Error().Err(err).Str("operation", op).Msg("HTTP request failed")
			return nil, &NetworkError{Op: op, Err: err}
		}

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		crmRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 400 {
			return resp, nil
		}

		errClass := c.classifyError(resp, nil)
		crmErrorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("operation", op).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("CRM request error")

		// Step 5: Re-authenticate once on 401
		if errClass == ErrorClassAuth && attempt == 1 {
			if err := c.tokens.Invalidate(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to invalidate access token")
			}
			if replay, ok := rewind(req); ok {
				resp.Body.Close()
				req = replay
				continue
			}
		}

		return resp, nil
	}
}

// rewind returns a copy of req with a fresh body, if the body can be replayed.
func rewind(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	replay := req.Clone(req.Context())
	replay.Body = body
	return replay, true
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		c.logger.Debug().Str("class", string(ErrorClassNetwork)).Msg("Error classified")
		return ErrorClassNetwork
	}

	class := classifyStatus(resp.StatusCode)
	if class != "" {
		c.logger.Debug().Str("class", string(class)).Msg("Error classified")
	}
	return class
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// BaseURL returns the API host requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// RateLimiter returns the credit tracker (for testing).
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
