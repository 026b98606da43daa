package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindIndex(t *testing.T) {
	p := Plan{
		{SeqNo: 2, Type: TypeAssign},
		{SeqNo: 5, Type: TypeAssign},
	}
	assert.Equal(t, 1, p.FindIndex(5))
	assert.Equal(t, -1, p.FindIndex(3))
}

func TestValidateRejectsMissingType(t *testing.T) {
	p := Plan{{SeqNo: 0}}
	assert.Error(t, p.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	p := Plan{{SeqNo: 0, Type: TypeAssign, Parameters: map[string]any{"k": "v"}}}
	clone := p.Clone()
	clone[0].Parameters["k"] = "changed"
	assert.Equal(t, "v", p[0].Parameters["k"])
}

func TestOutputVarsAcceptsAnySlice(t *testing.T) {
	step := Step{Type: TypeCalling, Parameters: map[string]any{
		"output_vars": []any{"a", "b"},
	}}
	vars, ok := step.OutputVars()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, vars)
}

func TestOutputVarsRejectsNonStrings(t *testing.T) {
	step := Step{Type: TypeCalling, Parameters: map[string]any{
		"output_vars": []any{"a", 2},
	}}
	_, ok := step.OutputVars()
	assert.False(t, ok)
}

func TestScanParamsUsesToolParamsForCalling(t *testing.T) {
	step := Step{Type: TypeCalling, Parameters: map[string]any{
		"tool_name":   "tool_echo",
		"tool_params": map[string]any{"msg": "${x}"},
	}}
	params := step.ScanParams()
	assert.Equal(t, map[string]any{"msg": "${x}"}, params)
}

func TestScanParamsUsesAllForAssign(t *testing.T) {
	step := Step{Type: TypeAssign, Parameters: map[string]any{"out": "${x}"}}
	assert.Equal(t, map[string]any{"out": "${x}"}, step.ScanParams())
}

func TestVerifyPrefixAcceptsUnchangedHead(t *testing.T) {
	before := Plan{
		{SeqNo: 0, Type: TypeCalling},
		{SeqNo: 1, Type: TypeAssign},
	}
	after := Plan{
		{SeqNo: 0, Type: TypeCalling},
		{SeqNo: 1, Type: TypeJmp},
	}
	assert.NoError(t, verifyPrefix(before, after, 1))
}

func TestVerifyPrefixRejectsAlteredStep(t *testing.T) {
	before := Plan{{SeqNo: 0, Type: TypeCalling}}
	after := Plan{{SeqNo: 0, Type: TypeAssign}}
	assert.Error(t, verifyPrefix(before, after, 1))
}

func TestVerifyPrefixRejectsDroppedSteps(t *testing.T) {
	before := Plan{
		{SeqNo: 0, Type: TypeCalling},
		{SeqNo: 1, Type: TypeAssign},
	}
	assert.Error(t, verifyPrefix(before, Plan{}, 2))
}
