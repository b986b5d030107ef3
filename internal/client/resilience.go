package client

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RetryConfig defines retry behavior for idempotent downloads
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504}, // Rate limit + server errors
	}
}

// RetryingClient wraps a Client with retries and rate limiting. It is only
// used for asset downloads; dashboard and target calls never retry.
type RetryingClient struct {
	client      *Client
	retryConfig RetryConfig
	limiter     *rate.Limiter
	log         zerolog.Logger
}

// NewRetrying creates a retrying GET client on top of c.
// A non-positive requestsPerSecond disables rate limiting.
func NewRetrying(c *Client, cfg RetryConfig, requestsPerSecond float64, log zerolog.Logger) *RetryingClient {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &RetryingClient{
		client:      c,
		retryConfig: cfg,
		limiter:     rate.NewLimiter(limit, 1),
		log:         log,
	}
}

// Get issues a GET with retry logic and rate limiting. Non-retryable
// non-2xx statuses are returned as *StatusError.
func (c *RetryingClient) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait")
		}

		resp, err := c.client.Request(ctx, http.MethodGet, url, nil, "")
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		} else if c.shouldRetry(resp.StatusCode) {
			lastErr = CheckStatus(resp)
			resp.Body.Close()
		} else {
			if err := CheckStatus(resp); err != nil {
				resp.Body.Close()
				return nil, err
			}
			return resp, nil
		}

		if attempt == c.retryConfig.MaxRetries {
			break
		}
		delay := c.calculateDelay(attempt)
		c.log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_retries", c.retryConfig.MaxRetries).
			Dur("delay", delay).
			Str("url", url).
			Msg("download failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// shouldRetry determines if a status code should trigger a retry
func (c *RetryingClient) shouldRetry(statusCode int) bool {
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates exponential backoff delay with jitter
func (c *RetryingClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))

	// Apply jitter (+/-25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}

	return time.Duration(delay)
}
