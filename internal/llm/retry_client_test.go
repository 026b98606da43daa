package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stackvmerrors "stackvm/internal/errors"
)

func fastRetryConfig() stackvmerrors.RetryConfig {
	return stackvmerrors.RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetryClientRecoversFromRateLimit(t *testing.T) {
	mock := NewMockClient()
	calls := 0
	mock.CompleteFunc = func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream returned 429 rate limit")
		}
		return &CompletionResponse{Content: "recovered"}, nil
	}

	client := NewRetryClient(mock, fastRetryConfig())
	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, calls)
}

func TestRetryClientStopsOnAuthError(t *testing.T) {
	mock := NewMockClient()
	calls := 0
	mock.CompleteFunc = func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		calls++
		return nil, errors.New("upstream returned 401 unauthorized")
	}

	client := NewRetryClient(mock, fastRetryConfig())
	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "Authentication failed")
}

func TestRetryClientExhaustsTransientFailures(t *testing.T) {
	mock := NewMockClient()
	calls := 0
	mock.CompleteFunc = func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		calls++
		return nil, errors.New("503 service unavailable")
	}

	client := NewRetryClient(mock, fastRetryConfig())
	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryClientStreamCompleteDelegates(t *testing.T) {
	mock := NewMockClient("streamed answer")
	client := NewRetryClient(mock, fastRetryConfig()).(StreamingClient)

	var deltas []string
	resp, err := client.StreamComplete(context.Background(), CompletionRequest{}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", resp.Content)
	assert.Equal(t, []string{"streamed answer"}, deltas)
}

func TestClassifyLLMError(t *testing.T) {
	assert.True(t, stackvmerrors.IsTransient(classifyLLMError(errors.New("gateway timeout"))))
	assert.True(t, stackvmerrors.IsPermanent(classifyLLMError(errors.New("model not found"))))
	assert.NoError(t, classifyLLMError(nil))

	plain := errors.New("something odd")
	assert.Equal(t, plain, classifyLLMError(plain))
}
