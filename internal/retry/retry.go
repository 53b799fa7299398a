// Package retry provides exponential backoff for outbound provider calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/link-scanner/internal/logging"
)

// Config configures retry behavior. Retries is the number of additional
// attempts after the first; BaseDelay grows by Factor between attempts.
type Config struct {
	Retries   int
	BaseDelay time.Duration
	Factor    float64
	Retryable func(error) bool // nil retries every error
}

// DefaultConfig returns the default retry configuration.
// Pattern: 500ms, 1s.
func DefaultConfig() *Config {
	return &Config{
		Retries:   2,
		BaseDelay: 500 * time.Millisecond,
		Factor:    2.0,
	}
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"-"`
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

// WithBackoff executes fn with exponential backoff. Errors rejected by the
// Retryable predicate stop the loop immediately.
func WithBackoff(ctx context.Context, config *Config, fn Func) *Result {
	logger := logging.FromContext(ctx)
	startTime := time.Now()

	result := &Result{}
	maxAttempts := config.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)

			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}

		lastErr = err
		result.LastError = err

		if attempt >= maxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		if config.Retryable != nil && !config.Retryable(err) {
			logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			}).Debug("Error is not retryable, giving up")
			break
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := backoffDelay(config, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	result.LastError = lastErr
	return result
}

// backoffDelay computes baseDelay * factor^(attempt-1).
func backoffDelay(config *Config, attempt int) time.Duration {
	factor := config.Factor
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(config.BaseDelay) * math.Pow(factor, float64(attempt-1))
	return time.Duration(delay)
}

// Do runs fn under config and collapses the result into a single error.
func Do(ctx context.Context, config *Config, fn Func) error {
	result := WithBackoff(ctx, config, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
