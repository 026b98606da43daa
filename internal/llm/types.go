package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion call.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response when supported.
	JSONMode bool
}

// TokenUsage reports token accounting from the provider.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse is the provider's answer to a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      TokenUsage
}

// Client is the minimal LLM contract the engine depends on.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Model() string
}

// StreamingClient can deliver content deltas as they arrive.
type StreamingClient interface {
	Client
	StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string)) (*CompletionResponse, error)
}

// Config holds provider connection settings.
type Config struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Timeout    int // seconds
	MaxRetries int
	Headers    map[string]string
}
