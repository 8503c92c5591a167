package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shelf-app/shelfd/internal/extract"
)

// RetryConfig bounds exponential backoff for transient provider failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// retryingClient wraps a Client with bounded exponential-backoff retries
// on rate limits and transient network failures. Exhausting retries
// degrades to ErrProvider.
type retryingClient struct {
	inner Client
	cfg   RetryConfig
}

// WithRetry decorates a client with the given retry policy.
func WithRetry(inner Client, cfg RetryConfig) Client {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &retryingClient{inner: inner, cfg: cfg}
}

func (c *retryingClient) Embed(ctx context.Context, content extract.Content) (Embedding, error) {
	delay := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		emb, err := c.inner.Embed(ctx, content)
		if err == nil {
			return emb, nil
		}
		if !retryable(err) {
			return Embedding{}, err
		}
		lastErr = err
		if attempt >= c.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return Embedding{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}

	return Embedding{}, fmt.Errorf("%w: giving up after %d retries: %v", ErrProvider, c.cfg.MaxRetries, lastErr)
}

func (c *retryingClient) Model() string {
	return c.inner.Model()
}

func (c *retryingClient) Healthy(ctx context.Context) bool {
	return c.inner.Healthy(ctx)
}

// retryable reports whether an error is worth another attempt: rate
// limits, request timeouts, and transient network failures. Context
// cancellation from shutdown is not retryable.
func retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
