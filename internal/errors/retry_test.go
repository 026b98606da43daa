package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("connection reset"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return NewPermanentError(errors.New("bad request"), "malformed payload")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "malformed payload")
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"), "")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	// Initial attempt plus MaxAttempts retries.
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestRetryWithResultReturnsValue(t *testing.T) {
	value, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 3*time.Second, calculateBackoff(5, cfg))
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("x"), "")))
	assert.True(t, IsTransient(errors.New("request failed with status 503")))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(NewPermanentError(errors.New("x"), "")))
	assert.False(t, IsTransient(nil))
}

func TestIsPermanentClassification(t *testing.T) {
	assert.True(t, IsPermanent(NewPermanentError(errors.New("x"), "")))
	assert.True(t, IsPermanent(errors.New("tool not found: web_search")))
	assert.False(t, IsPermanent(NewTransientError(errors.New("x"), "")))
	assert.False(t, IsPermanent(nil))
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeDegraded, GetErrorType(NewDegradedError(errors.New("x"), "", "fallback")))
	assert.Equal(t, ErrorTypeTransient, GetErrorType(NewTransientError(errors.New("x"), "")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(errors.New("schema mismatch")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(nil))
}
