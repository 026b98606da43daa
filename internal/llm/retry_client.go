package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	stackvmerrors "stackvm/internal/errors"
	"stackvm/internal/logging"
)

// retryClient wraps an LLM client with retry logic
type retryClient struct {
	underlying  Client
	retryConfig stackvmerrors.RetryConfig
	logger      logging.Logger
}

// NewRetryClient wraps an LLM client with retry logic
func NewRetryClient(client Client, retryConfig stackvmerrors.RetryConfig) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		logger:      logging.NewComponentLogger("llm-retry"),
	}
}

// Complete executes LLM completion with retry logic
func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	resp, err := stackvmerrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		response, err := c.underlying.Complete(ctx, req)
		if err != nil {
			return nil, classifyLLMError(err)
		}
		return response, nil
	}, c.logger)

	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("LLM request failed after retries (took %v): %v", duration, err)
		return nil, fmt.Errorf("llm request failed after %v: %w", duration.Round(time.Second), err)
	}

	if duration > 5*time.Second {
		c.logger.Debug("LLM request succeeded after %v", duration)
	}

	return resp, nil
}

// Model returns the underlying model name
func (c *retryClient) Model() string {
	return c.underlying.Model()
}

// StreamComplete proxies streaming requests to the underlying client when
// supported. Streaming requests are not retried to avoid duplicating partial
// output when an upstream error occurs mid-stream.
func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string)) (*CompletionResponse, error) {
	if streaming, ok := c.underlying.(StreamingClient); ok {
		resp, err := streaming.StreamComplete(ctx, req, onDelta)
		if err != nil {
			return nil, classifyLLMError(err)
		}
		return resp, nil
	}

	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}

// classifyLLMError detects transient errors from LLM API responses
func classifyLLMError(err error) error {
	if err == nil {
		return nil
	}

	lowerErr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lowerErr, "429"), strings.Contains(lowerErr, "rate limit"):
		return stackvmerrors.NewTransientError(err, "API rate limit reached. Retrying with exponential backoff.")
	case strings.Contains(lowerErr, "500"), strings.Contains(lowerErr, "internal server error"):
		return stackvmerrors.NewTransientError(err, "Server error (500). Retrying request.")
	case strings.Contains(lowerErr, "502"), strings.Contains(lowerErr, "bad gateway"):
		return stackvmerrors.NewTransientError(err, "Bad gateway (502). Retrying request.")
	case strings.Contains(lowerErr, "503"), strings.Contains(lowerErr, "service unavailable"):
		return stackvmerrors.NewTransientError(err, "Service unavailable (503). Retrying request.")
	case strings.Contains(lowerErr, "504"), strings.Contains(lowerErr, "gateway timeout"):
		return stackvmerrors.NewTransientError(err, "Gateway timeout (504). Retrying request.")
	case strings.Contains(lowerErr, "timeout"), strings.Contains(lowerErr, "deadline exceeded"):
		return stackvmerrors.NewTransientError(err, "Request timed out. Retrying with backoff.")
	case strings.Contains(lowerErr, "connection refused"),
		strings.Contains(lowerErr, "connection reset"),
		strings.Contains(lowerErr, "broken pipe"):
		return stackvmerrors.NewTransientError(err, "Connection failed. Retrying request.")
	case strings.Contains(lowerErr, "401"), strings.Contains(lowerErr, "unauthorized"):
		return stackvmerrors.NewPermanentError(err, "Authentication failed. Please check your API key configuration.")
	case strings.Contains(lowerErr, "403"), strings.Contains(lowerErr, "forbidden"):
		return stackvmerrors.NewPermanentError(err, "Permission denied. You don't have access to this model.")
	case strings.Contains(lowerErr, "404"), strings.Contains(lowerErr, "not found"):
		return stackvmerrors.NewPermanentError(err, "Model or endpoint not found. Please verify the model name.")
	case strings.Contains(lowerErr, "400"), strings.Contains(lowerErr, "bad request"):
		return stackvmerrors.NewPermanentError(err, "Invalid request. Please check the parameters.")
	}

	return err
}
