package goalparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainGoal(t *testing.T) {
	goal, format := Parse("How do I deploy the service?")
	assert.Equal(t, "How do I deploy the service?", goal)
	assert.Nil(t, format)
}

func TestParseResponseFormatSuffix(t *testing.T) {
	goal, format := Parse("What is TiDB? (Lang: en-US, Format: bullet list)")
	assert.Equal(t, "What is TiDB?", goal)
	require.NotNil(t, format)
	assert.Equal(t, "en-US", format["Lang"])
	assert.Equal(t, "bullet list", format["Format"])
}

func TestParseKeepsEarlierParentheses(t *testing.T) {
	goal, format := Parse("Explain RAFT (the consensus protocol) usage (Lang: zh-CN)")
	assert.Equal(t, "Explain RAFT (the consensus protocol) usage", goal)
	require.NotNil(t, format)
	assert.Equal(t, "zh-CN", format["Lang"])
}

func TestParseStripsSurroundingQuotes(t *testing.T) {
	goal, format := Parse(`"What is Go? (Lang: en)"`)
	assert.Equal(t, "What is Go?", goal)
	require.NotNil(t, format)
	assert.Equal(t, "en", format["Lang"])
}

func TestParseCommaInsideValue(t *testing.T) {
	goal, format := Parse("Summarize the doc (Background: covers a, b and c, Lang: en)")
	assert.Equal(t, "Summarize the doc", goal)
	require.NotNil(t, format)
	assert.Equal(t, "covers a, b and c", format["Background"])
	assert.Equal(t, "en", format["Lang"])
}

func TestParseSuffixWithoutColon(t *testing.T) {
	goal, format := Parse("Do the thing (urgent)")
	assert.Equal(t, "Do the thing", goal)
	require.NotNil(t, format)
	_, ok := format["urgent"]
	assert.True(t, ok)
}

func TestDescribeRendersMetadata(t *testing.T) {
	metadata := map[string]any{
		"response_format": map[string]any{
			"Lang":   "en-US",
			"Format": "markdown",
		},
		"label_path": []any{
			map[string]any{"label": "database"},
			map[string]any{"label": "performance"},
		},
	}

	described := Describe("Tune the cluster", metadata)
	assert.Contains(t, described, "Goal: Tune the cluster")
	assert.Contains(t, described, "Response Language: en-US")
	assert.Contains(t, described, "Response Format: markdown")
	assert.Contains(t, described, "Labels: database -> performance")
}

func TestDescribeWithoutMetadata(t *testing.T) {
	assert.Equal(t, "Goal: just the goal", Describe("just the goal", nil))
}
