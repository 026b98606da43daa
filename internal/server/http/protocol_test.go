package http

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordEvents(t *testing.T, emit func(*StreamWriter)) (*httptest.ResponseRecorder, []string) {
	t.Helper()
	rec := httptest.NewRecorder()
	stream := NewStreamWriter(rec, nil)
	emit(stream)
	body := strings.TrimRight(rec.Body.String(), "\n")
	if body == "" {
		return rec, nil
	}
	return rec, strings.Split(body, "\n")
}

func decodeEvent(t *testing.T, line, wantCode string) json.RawMessage {
	t.Helper()
	code, payload, found := strings.Cut(line, ":")
	require.True(t, found, "malformed event line %q", line)
	assert.Equal(t, wantCode, code)
	return json.RawMessage(payload)
}

func TestStreamWriterSetsStreamingHeaders(t *testing.T) {
	rec, _ := recordEvents(t, func(s *StreamWriter) {})
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestTextPartFramesJSONString(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.TextPart("partial answer. ")
	})
	require.Len(t, lines, 1)
	payload := decodeEvent(t, lines[0], "0")

	var text string
	require.NoError(t, json.Unmarshal(payload, &text))
	assert.Equal(t, "partial answer. ", text)
}

func TestDataPartFramesArrayPayload(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.DataPart([]map[string]any{{"plan": []string{"step"}}})
	})
	require.Len(t, lines, 1)
	payload := decodeEvent(t, lines[0], "2")

	var parts []map[string]any
	require.NoError(t, json.Unmarshal(payload, &parts))
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0], "plan")
}

func TestToolCallCarriesStringID(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.ToolCall(3, "tool_echo", map[string]any{"msg": "hi"})
	})
	payload := decodeEvent(t, lines[0], "9")

	var event struct {
		ToolCallID string         `json:"toolCallId"`
		ToolName   string         `json:"toolName"`
		Args       map[string]any `json:"args"`
	}
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "3", event.ToolCallID)
	assert.Equal(t, "tool_echo", event.ToolName)
	assert.Equal(t, "hi", event.Args["msg"])
}

func TestStateAnnotationIsArrayWrapped(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.State("task-1", "main", 2, map[string]any{"program_counter": 3})
	})
	payload := decodeEvent(t, lines[0], "8")

	var annotations []map[string]any
	require.NoError(t, json.Unmarshal(payload, &annotations))
	require.Len(t, annotations, 1)
	assert.Equal(t, "task-1", annotations[0]["task_id"])
	assert.Equal(t, "main", annotations[0]["branch"])
	assert.Equal(t, float64(2), annotations[0]["seq_no"])
}

func TestStepFinishReportsZeroUsage(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.StepFinish(4)
	})
	payload := decodeEvent(t, lines[0], "e")

	var event struct {
		Step         int    `json:"step"`
		FinishReason string `json:"finishReason"`
		Usage        struct {
			PromptTokens     int `json:"promptTokens"`
			CompletionTokens int `json:"completionTokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, 4, event.Step)
	assert.Equal(t, "stop", event.FinishReason)
	assert.Equal(t, 0, event.Usage.PromptTokens)
}

func TestFinishOmitsEmptyResponse(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.Finish("error", "")
		s.Finish("stop", "the answer")
	})
	require.Len(t, lines, 2)

	var withoutResponse map[string]any
	require.NoError(t, json.Unmarshal(decodeEvent(t, lines[0], "d"), &withoutResponse))
	_, present := withoutResponse["response"]
	assert.False(t, present)
	assert.Equal(t, "error", withoutResponse["finishReason"])

	var withResponse map[string]any
	require.NoError(t, json.Unmarshal(decodeEvent(t, lines[1], "d"), &withResponse))
	assert.Equal(t, "the answer", withResponse["response"])
}

func TestErrorPartIsPlainString(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		s.ErrorPart("something broke")
	})
	payload := decodeEvent(t, lines[0], "3")
	var message string
	require.NoError(t, json.Unmarshal(payload, &message))
	assert.Equal(t, "something broke", message)
}

func TestStreamSentencesSplitsOnSentenceBoundary(t *testing.T) {
	_, lines := recordEvents(t, func(s *StreamWriter) {
		streamSentences(s, "First point. Second point. Done.")
	})
	require.Len(t, lines, 3)

	var first string
	require.NoError(t, json.Unmarshal(decodeEvent(t, lines[0], "0"), &first))
	assert.Equal(t, "First point. ", first)

	var last string
	require.NoError(t, json.Unmarshal(decodeEvent(t, lines[2], "0"), &last))
	assert.Equal(t, "Done.", last)
}

func TestParseResponseFormatVariants(t *testing.T) {
	fromString, err := parseResponseFormat(`{"Lang": "en"}`)
	require.NoError(t, err)
	assert.Equal(t, "en", fromString["Lang"])

	fromMap, err := parseResponseFormat(map[string]any{"Lang": "fr", "Depth": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "fr", fromMap["Lang"])
	assert.Equal(t, "2", fromMap["Depth"])

	empty, err := parseResponseFormat(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = parseResponseFormat("not json")
	assert.Error(t, err)

	_, err = parseResponseFormat(42)
	assert.Error(t, err)
}
