package tools

import (
	"context"
	"fmt"
	"strings"

	"stackvm/internal/llm"
)

// StreamQueue receives text chunks from streaming-aware tools. The streaming
// HTTP handler drains it while the producing step runs.
type StreamQueue chan string

// streamQueueArg is the reserved argument name the VM injects when a step's
// output feeds the final answer.
const streamQueueArg = "stream_queue"

// NewLLMGenerateTool returns the builtin that asks the LLM to produce text.
// When invoked with a stream queue, chunks are forwarded as they arrive.
func NewLLMGenerateTool(client llm.Client) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name: "llm_generate",
			Description: "Generate a response from the LLM for the given prompt.\n" +
				"Use this tool to summarize, reformat, reason over or synthesize text from collected variables.",
			Params: map[string]ParamSpec{
				"prompt":          {Required: true, Description: "The prompt to send to the model."},
				"context":         {Description: "Additional context prepended to the prompt."},
				"response_format": {Description: "Format directive appended to the prompt."},
				streamQueueArg:    {Description: "Internal streaming channel."},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			prompt, _ := args["prompt"].(string)
			if strings.TrimSpace(prompt) == "" {
				return nil, fmt.Errorf("llm_generate: prompt is empty")
			}

			var parts []string
			if contextText, _ := args["context"].(string); contextText != "" {
				parts = append(parts, "Context:\n"+contextText)
			}
			parts = append(parts, prompt)
			if responseFormat, _ := args["response_format"].(string); responseFormat != "" {
				parts = append(parts, responseFormat)
			}

			req := llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: strings.Join(parts, "\n\n")}},
			}

			queue, _ := args[streamQueueArg].(StreamQueue)
			if queue != nil {
				if streaming, ok := client.(llm.StreamingClient); ok {
					resp, err := streaming.StreamComplete(ctx, req, func(delta string) {
						select {
						case queue <- delta:
						case <-ctx.Done():
						}
					})
					if err != nil {
						return nil, err
					}
					return resp.Content, nil
				}
			}

			resp, err := client.Complete(ctx, req)
			if err != nil {
				return nil, err
			}
			if queue != nil {
				select {
				case queue <- resp.Content:
				case <-ctx.Done():
				}
			}
			return resp.Content, nil
		},
	}
}

// NewEchoTool returns a fixture tool that echoes its msg argument.
func NewEchoTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "tool_echo",
			Description: "Echo the msg argument back unchanged.",
			Params: map[string]ParamSpec{
				"msg": {Required: true, Description: "The message to echo."},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}
}

// WithStreamQueue returns a copy of args carrying the stream queue.
func WithStreamQueue(args map[string]any, queue StreamQueue) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[streamQueueArg] = queue
	return out
}
