package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RetryConfig configures the retry behavior for completion calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryableError determines if an error should trigger a retry.
// Auth failures and malformed responses never recover on retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryCall executes op with exponential backoff retry. Each attempt waits
// on the client's rate limiter first, so retries cannot amplify load on a
// throttled upstream.
func retryCall[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return zero, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		result, err := op(ctx)
		if err == nil {
			c.logger.Debug("completion call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return result, nil
		}

		lastErr = translate(err)

		if !retryableError(lastErr) {
			return zero, lastErr
		}

		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", lastErr)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return zero, fmt.Errorf("completion after %d retries (elapsed: %v): %w",
		c.retry.MaxRetries, time.Since(start), lastErr)
}
