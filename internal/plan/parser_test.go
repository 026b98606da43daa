package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wrappedResponse = `<think>
First fetch the data, then assemble the answer.
</think>
<answer>
` + "```json" + `
[
  {"seq_no": 0, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "hi"}, "output_vars": ["greeting"]}},
  {"seq_no": 1, "type": "assign", "parameters": {"final_answer": "${greeting}"}}
]
` + "```" + `
</answer>`

func TestParseResponseWithThinkAndAnswer(t *testing.T) {
	parsed, err := ParseResponse(wrappedResponse)
	require.NoError(t, err)
	assert.Contains(t, parsed.Reasoning, "fetch the data")
	require.Len(t, parsed.Plan, 2)
	assert.Equal(t, TypeCalling, parsed.Plan[0].Type)
	assert.Equal(t, "tool_echo", parsed.Plan[0].ToolName())
}

func TestParseResponseBarePlanBody(t *testing.T) {
	parsed, err := ParseResponse(`[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "done"}}]`)
	require.NoError(t, err)
	assert.Empty(t, parsed.Reasoning)
	require.Len(t, parsed.Plan, 1)
}

func TestParseResponseEmptyIsUnavailable(t *testing.T) {
	_, err := ParseResponse("   ")
	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "empty response", unavailable.Reason)
}

func TestParseResponseNoPlanIsUnavailable(t *testing.T) {
	_, err := ParseResponse("I cannot produce a plan for this request.")
	var unavailable *UnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestParseResponseDuplicateSeqNoRejected(t *testing.T) {
	_, err := ParseResponse(`[
		{"seq_no": 0, "type": "assign", "parameters": {"a": "1"}},
		{"seq_no": 0, "type": "assign", "parameters": {"b": "2"}}
	]`)
	assert.Error(t, err)
}

func TestParseStepExtractsObject(t *testing.T) {
	step, err := ParseStep(`Here is the replacement:
{"seq_no": 3, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "again"}, "output_vars": ["out"]}}`)
	require.NoError(t, err)
	assert.Equal(t, 3, step.SeqNo)
	assert.Equal(t, TypeCalling, step.Type)
}

func TestParseStepWithoutObjectFails(t *testing.T) {
	_, err := ParseStep("no json here")
	assert.Error(t, err)
}

func TestUnescapeUnicodeRetry(t *testing.T) {
	parsed, err := ParseResponse(`[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "café"}}]`)
	require.NoError(t, err)
	require.Len(t, parsed.Plan, 1)
}
