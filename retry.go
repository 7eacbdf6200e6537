package remotefs

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for remote operations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// NoRetryConfig returns a config with retries disabled. The delay fields are
// populated so the config stays distinguishable from an unset one.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   0,
		InitialDelay: 1 * time.Second,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.0,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Retry executes the given function with exponential backoff. Only errors
// classified as transient by IsRetryableError are retried; everything else
// propagates immediately. After the attempts are used up, the last transient
// error is returned wrapped in a RetryExhaustedError.
func Retry(ctx context.Context, config RetryConfig, logger *zap.Logger, operation string, fn RetryableFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &CancelledError{Op: operation, Err: err}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt)

		logger.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", config.MaxRetries+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return &CancelledError{Op: operation, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	if config.MaxRetries == 0 {
		return lastErr
	}
	return &RetryExhaustedError{Op: operation, Attempts: config.MaxRetries + 1, Err: lastErr}
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}
