package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"stackvm/internal/logging"
)

// Event codes for the newline-framed stream, one record per line in the
// form "<code>:<compact-json>\n".
const (
	eventText       = "0"
	eventData       = "2"
	eventError      = "3"
	eventAnnotation = "8"
	eventToolCall   = "9"
	eventToolResult = "a"
	eventStepFinish = "e"
	eventFinish     = "d"
)

type tokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// StreamWriter emits typed execution events onto an HTTP response,
// flushing after every record so clients observe progress live.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  logging.Logger
}

// NewStreamWriter prepares the response for newline-framed streaming.
func NewStreamWriter(w http.ResponseWriter, logger logging.Logger) *StreamWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: flusher, logger: logging.OrNop(logger)}
}

func (s *StreamWriter) send(code string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode stream event %s: %v", code, err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "%s:%s\n", code, body); err != nil {
		s.logger.Warn("Failed to write stream event: %v", err)
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// TextPart streams a chunk of assistant text.
func (s *StreamWriter) TextPart(text string) { s.send(eventText, text) }

// DataPart streams an arbitrary JSON payload.
func (s *StreamWriter) DataPart(payload any) { s.send(eventData, payload) }

// ErrorPart reports an execution error to the client.
func (s *StreamWriter) ErrorPart(message string) { s.send(eventError, message) }

// ToolCall announces a calling step before it runs.
func (s *StreamWriter) ToolCall(toolCallID int, toolName string, args map[string]any) {
	s.send(eventToolCall, map[string]any{
		"toolCallId": fmt.Sprintf("%d", toolCallID),
		"toolName":   toolName,
		"args":       args,
	})
}

// ToolResult reports a calling step's outputs.
func (s *StreamWriter) ToolResult(toolCallID int, result map[string]any) {
	s.send(eventToolResult, map[string]any{
		"toolCallId": fmt.Sprintf("%d", toolCallID),
		"result":     result,
	})
}

// State annotates the message with a VM state snapshot.
func (s *StreamWriter) State(taskID, branch string, seqNo int, state any) {
	s.send(eventAnnotation, []map[string]any{{
		"task_id": taskID,
		"branch":  branch,
		"seq_no":  seqNo,
		"state":   state,
	}})
}

// StepFinish closes one step on the stream.
func (s *StreamWriter) StepFinish(step int) {
	s.send(eventStepFinish, map[string]any{
		"step":         step,
		"finishReason": "stop",
		"usage":        tokenUsage{},
	})
}

// Finish terminates the stream, optionally carrying the final response.
func (s *StreamWriter) Finish(reason, response string) {
	payload := map[string]any{
		"finishReason": reason,
		"usage":        tokenUsage{},
	}
	if response != "" {
		payload["response"] = response
	}
	s.send(eventFinish, payload)
}
