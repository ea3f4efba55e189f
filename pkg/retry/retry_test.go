package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUnavailable = errors.New("unavailable")
	errTaken       = errors.New("taken")
)

func fastConfig(maxAttempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errUnavailable)
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errUnavailable
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return errUnavailable
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, attempts, "initial attempt plus MaxAttempts retries")
}

func TestRetry_Disabled(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Config{Enabled: false}, func() error {
		attempts++
		return errUnavailable
	})

	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errUnavailable
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetry_NonRetryableErrorIsWrapped(t *testing.T) {
	cfg := fastConfig(3)
	cfg.NonRetryableErrors = []error{errTaken}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("register alice: %w", errTaken)
	})

	assert.ErrorIs(t, err, errTaken)
	assert.Equal(t, 1, attempts)
}

func TestRetry_DistinctSentinelsDoNotMatch(t *testing.T) {
	cfg := fastConfig(2)
	cfg.NonRetryableErrors = []error{errTaken}

	attempts := 0
	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return errUnavailable
	})

	assert.Equal(t, 3, attempts, "a different sentinel of the same type must still be retried")
}

func TestRetry_RetryableErrorList(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []error{errUnavailable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("lookup: %w", errUnavailable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ErrorNotInRetryableList(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []error{errUnavailable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errTaken
	})

	assert.ErrorIs(t, err, errTaken)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errUnavailable
		}
		return "10.0.0.1:9000", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", result)
	assert.Equal(t, 2, attempts)

	zero, err := RetryWithResult(context.Background(), fastConfig(1), func() (int, error) {
		return 7, errUnavailable
	})
	assert.Error(t, err)
	assert.Zero(t, zero)
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
}

func TestCalculateDelay_MaxDelayCap(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 5))
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	base := 200 * time.Millisecond
	for i := 0; i < 50; i++ {
		delay := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, delay, base-base/4)
		assert.LessOrEqual(t, delay, base+base/4)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.True(t, cfg.Jitter)
}
