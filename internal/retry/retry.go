package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gravixrdp/yt-automation/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Cap on any single delay, zero means uncapped
	Multiplier   float64       // Growth factor for exponential backoff
}

// DefaultRetryConfig returns the in-process retry configuration used around
// external calls. Pattern: 1s, 2s, 4s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// JobBackoff returns the persistent job backoff: base 2 minutes, growth 3.
// Delays are 2m, 6m, 18m.
func JobBackoff(base time.Duration, growth float64) *RetryConfig {
	return &RetryConfig{
		InitialDelay: base,
		Multiplier:   growth,
		MaxDelay:     24 * time.Hour,
	}
}

// Delay returns the wait before attempt n+1 after n failures (n >= 1):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (c *RetryConfig) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(failures-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return time.Duration(delay)
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// ShouldRetry decides whether an error is worth another attempt
type ShouldRetry func(err error) bool

// WithExponentialBackoff executes fn until it succeeds, shouldRetry rejects the
// error, the attempts run out or ctx is done.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, shouldRetry ShouldRetry, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if shouldRetry != nil && !shouldRetry(err) {
			break
		}
		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		delay := config.Delay(attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// Do runs fn with config and returns the last error on failure
func Do(ctx context.Context, config *RetryConfig, shouldRetry ShouldRetry, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, shouldRetry, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
