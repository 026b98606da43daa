// Package goalparse splits a raw task goal into the goal text proper and the
// response-format requirements appended in a trailing parenthesized suffix,
// e.g. `What is X? (Lang: en-US, Format: bullet list)`.
package goalparse

import (
	"fmt"
	"regexp"
	"strings"
)

var requirementKeyPattern = regexp.MustCompile(`^\s*\w[\w\s]*:\s*[^,()]+`)

// Parse extracts the main goal and its requirements. The requirements map is
// nil when the goal carries no parenthesized suffix.
func Parse(goal string) (string, map[string]string) {
	cleanGoal := strings.TrimSpace(goal)

	cleanGoal = strings.TrimSpace(strings.TrimPrefix(cleanGoal, `"`))
	cleanGoal = strings.TrimSpace(strings.TrimSuffix(cleanGoal, `"`))

	cleanGoal, reqStr := extractLastParentheses(cleanGoal)
	if reqStr == "" {
		return cleanGoal, nil
	}
	return cleanGoal, parseResponseFormat(reqStr)
}

// extractLastParentheses removes the last balanced parenthesized group,
// scanning backwards from the final closing parenthesis.
func extractLastParentheses(s string) (string, string) {
	lastClose := strings.LastIndex(s, ")")
	if lastClose == -1 {
		return s, ""
	}

	depth := 0
	for i := lastClose; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			if depth > 0 {
				depth--
				if depth == 0 {
					return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1 : lastClose])
				}
			}
		}
	}
	return s, ""
}

// parseResponseFormat splits `key: value, key: value` pairs. A comma only
// separates entries when what follows looks like another `key: value` pair,
// so commas inside values survive.
func parseResponseFormat(reqStr string) map[string]string {
	requirements := make(map[string]string)
	for _, part := range splitRequirements(reqStr) {
		if key, value, ok := strings.Cut(part, ":"); ok {
			requirements[strings.TrimSpace(key)] = strings.TrimSpace(value)
		} else {
			requirements[strings.TrimSpace(part)] = ""
		}
	}
	return requirements
}

func splitRequirements(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			continue
		}
		if requirementKeyPattern.MatchString(s[i+1:]) {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Describe renders the goal with its response-format context for prompts.
func Describe(goal string, metadata map[string]any) string {
	parts := []string{fmt.Sprintf("Goal: %s", goal)}

	if metadata != nil {
		responseFormat, _ := metadata["response_format"].(map[string]any)

		appendField := func(label string, keys ...string) {
			for _, key := range keys {
				if value, ok := responseFormat[key]; ok && value != nil && fmt.Sprint(value) != "" {
					parts = append(parts, fmt.Sprintf("%s: %v", label, value))
					return
				}
			}
		}
		appendField("Background", "Background", "background")
		appendField("Annotations", "Annotations", "annotations")
		appendField("Response Language", "Lang", "lang")
		appendField("Response Format", "Format", "format")

		if labelPath, ok := metadata["label_path"].([]any); ok && len(labelPath) > 0 {
			names := make([]string, 0, len(labelPath))
			for _, item := range labelPath {
				if m, ok := item.(map[string]any); ok {
					names = append(names, fmt.Sprint(m["label"]))
				} else {
					names = append(names, fmt.Sprint(item))
				}
			}
			parts = append(parts, fmt.Sprintf("Labels: %s", strings.Join(names, " -> ")))
		}
	}

	return strings.Join(parts, "\n")
}
