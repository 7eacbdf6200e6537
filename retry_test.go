package remotefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(3), nil, "list /data", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	permanent := &PermissionError{Path: "/root/secret"}
	err := Retry(context.Background(), fastRetryConfig(3), nil, "stat /root/secret", func() error {
		attempts++
		return permanent
	})

	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(2), nil, "download /big", func() error {
		attempts++
		return errors.New("broken pipe")
	})

	assert.Equal(t, 3, attempts, "initial attempt plus two retries")

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, exhausted.Err.Error(), "broken pipe")
}

func TestRetryDisabledReturnsRawError(t *testing.T) {
	raw := errors.New("connection refused")
	err := Retry(context.Background(), NoRetryConfig(), nil, "connect", func() error {
		return raw
	})

	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted), "no-retry config must not wrap the error")
	assert.Equal(t, raw, err)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, fastRetryConfig(5), nil, "list /data", func() error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 1, attempts)
}

func TestRetryCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastRetryConfig(1), nil, "list /data", func() error {
		attempts++
		return nil
	})

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 0, attempts)
}

func TestCalculateDelayBackoff(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped at MaxDelay
		{10, 1 * time.Second},
	}

	for _, tt := range tests {
		got := calculateDelay(config, tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestCalculateDelayJitterStaysBounded(t *testing.T) {
	config := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}

	for i := 0; i < 100; i++ {
		got := calculateDelay(config, 1)
		assert.GreaterOrEqual(t, got, 150*time.Millisecond)
		assert.LessOrEqual(t, got, 250*time.Millisecond)
	}
}
