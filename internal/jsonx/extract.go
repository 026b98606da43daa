// Package jsonx extracts JSON payloads from LLM responses, which routinely
// arrive wrapped in markdown fences or mixed with prose.
package jsonx

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	openFencePattern  = regexp.MustCompile("(?s)```json\\s*(.*)")
)

// ErrNoJSON is returned when no parseable JSON payload is found.
var ErrNoJSON = errors.New("no valid JSON content found in the response")

// Extract pulls the first JSON value out of an LLM response. It tries, in
// order: a complete ```json fence, the span between the first ```json and the
// last ```, an unterminated ```json fence, and finally the first balanced
// object or array in the raw text.
func Extract(response string) (json.RawMessage, error) {
	if match := fencedJSONPattern.FindStringSubmatch(response); match != nil {
		if raw, ok := tryParse(strings.TrimSpace(match[1])); ok {
			return raw, nil
		}
	}

	firstMarker := strings.Index(response, "```json")
	lastMarker := strings.LastIndex(response, "```")
	if firstMarker != -1 && lastMarker != -1 && firstMarker+7 < lastMarker {
		candidate := strings.TrimSpace(response[firstMarker+7 : lastMarker])
		if raw, ok := tryParse(candidate); ok {
			return raw, nil
		}
	}

	if match := openFencePattern.FindStringSubmatch(response); match != nil {
		if raw, ok := tryParse(strings.TrimSpace(match[1])); ok {
			return raw, nil
		}
	}

	content := strings.TrimSpace(response)
	if content == "" {
		return nil, errors.New("empty content")
	}

	var candidate string
	switch content[0] {
	case '{':
		candidate, _ = FirstObject(content)
	case '[':
		candidate, _ = FirstArray(content)
	default:
		return nil, ErrNoJSON
	}
	if raw, ok := tryParse(candidate); ok {
		return raw, nil
	}

	return nil, ErrNoJSON
}

// ExtractWithRepair behaves like Extract but runs the response through
// jsonrepair before giving up.
func ExtractWithRepair(response string) (json.RawMessage, error) {
	raw, err := Extract(response)
	if err == nil {
		return raw, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(response)
	if repairErr != nil {
		return nil, err
	}
	return Extract(repaired)
}

func tryParse(candidate string) (json.RawMessage, bool) {
	if candidate == "" {
		return nil, false
	}
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// FirstObject returns the first balanced {...} span in text.
func FirstObject(text string) (string, bool) {
	return firstBalanced(text, '{', '}')
}

// FirstArray returns the first balanced [...] span in text.
func FirstArray(text string) (string, bool) {
	return firstBalanced(text, '[', ']')
}

func firstBalanced(text string, open, close byte) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
