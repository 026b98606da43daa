package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"stackvm/internal/jsonx"
)

// UnavailableError reports that the model produced no usable plan. The raw
// response is kept for logging and for surfacing to the caller.
type UnavailableError struct {
	Response string
	Reason   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("plan unavailable: %s", e.Reason)
}

// Parsed is the outcome of parsing one generation response.
type Parsed struct {
	Reasoning string
	Plan      Plan
}

var (
	thinkPattern  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	answerPattern = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
)

// ParseResponse extracts the reasoning and plan from a model response of the
// form <think>...</think><answer>```json [...] ```</answer>. Responses
// without an <answer> tag are treated as a bare plan body.
func ParseResponse(response string) (*Parsed, error) {
	if strings.TrimSpace(response) == "" {
		return nil, &UnavailableError{Response: response, Reason: "empty response"}
	}

	reasoning := ""
	if m := thinkPattern.FindStringSubmatch(response); m != nil {
		reasoning = strings.TrimSpace(m[1])
	}

	body := response
	if m := answerPattern.FindStringSubmatch(response); m != nil {
		body = m[1]
	}

	steps, err := parsePlanBody(body)
	if err != nil {
		// Some providers double-escape unicode in JSON bodies. Unescape
		// and retry once before giving up.
		unescaped := unescapeUnicode(body)
		if unescaped != body {
			if retried, retryErr := parsePlanBody(unescaped); retryErr == nil {
				return &Parsed{Reasoning: reasoning, Plan: retried}, nil
			}
		}
		return nil, &UnavailableError{Response: response, Reason: err.Error()}
	}
	return &Parsed{Reasoning: reasoning, Plan: steps}, nil
}

func parsePlanBody(body string) (Plan, error) {
	raw, err := jsonx.Extract(body)
	if err != nil {
		if arr, ok := jsonx.FirstArray(body); ok {
			raw = json.RawMessage(arr)
		} else {
			return nil, fmt.Errorf("no JSON plan found in response")
		}
	}

	var steps Plan
	if err := json.Unmarshal(raw, &steps); err != nil {
		// The extracted document may be an object wrapping the plan.
		if arr, ok := jsonx.FirstArray(body); ok {
			if err := json.Unmarshal([]byte(arr), &steps); err == nil {
				return validated(steps)
			}
		}
		return nil, fmt.Errorf("plan is not a JSON array of steps: %w", err)
	}
	return validated(steps)
}

func validated(steps Plan) (Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("parsed plan is empty")
	}
	if err := steps.Validate(); err != nil {
		return nil, err
	}
	return steps, nil
}

// ParseStep extracts a single step object from a model response.
func ParseStep(response string) (*Step, error) {
	obj, ok := jsonx.FirstObject(response)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in step response")
	}
	var step Step
	if err := json.Unmarshal([]byte(obj), &step); err != nil {
		return nil, fmt.Errorf("invalid step object: %w", err)
	}
	return &step, nil
}

var unicodeEscapePattern = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)

func unescapeUnicode(text string) string {
	return unicodeEscapePattern.ReplaceAllStringFunc(text, func(esc string) string {
		code, err := strconv.ParseUint(esc[2:], 16, 32)
		if err != nil {
			return esc
		}
		return string(rune(code))
	})
}
