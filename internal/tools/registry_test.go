package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMathTool() Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "tool_add",
			Description: "Adds two numbers.\nReturns the sum as a float.",
			Params: map[string]ParamSpec{
				"a": {Required: true},
				"b": {Required: true},
				"precision": {
					Description: "Decimal places to keep.",
				},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newMathTool()))

	tool, ok := r.Get("tool_add")
	require.True(t, ok)
	assert.Equal(t, "tool_add", tool.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Tool{Descriptor: Descriptor{Description: "d"}, Run: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}))
	assert.Error(t, r.Register(Tool{Descriptor: Descriptor{Name: "n"}, Run: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}))
	assert.Error(t, r.Register(Tool{Descriptor: Descriptor{Name: "n", Description: "d"}}))
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newMathTool()))
	assert.Error(t, r.Register(newMathTool()))
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewEchoTool()))
	require.NoError(t, r.Register(newMathTool()))
	assert.Equal(t, []string{"tool_add", "tool_echo"}, r.Names())
}

func TestDescribeRendersCatalog(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newMathTool()))

	catalog := r.Describe(nil)
	assert.Contains(t, catalog, "* tool_add: Adds two numbers.")
	assert.Contains(t, catalog, "Returns the sum as a float.")
	assert.Contains(t, catalog, "a (required), b (required), precision")
}

func TestDescribeHonorsAllowList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewEchoTool()))
	require.NoError(t, r.Register(newMathTool()))

	catalog := r.Describe([]string{"tool_echo"})
	assert.Contains(t, catalog, "tool_echo")
	assert.NotContains(t, catalog, "tool_add")

	// An empty allow-list hides everything; nil allows everything.
	assert.Empty(t, r.Describe([]string{}))
	assert.Contains(t, r.Describe(nil), "tool_add")
}

func TestBindArgsFiltersUndeclaredKeys(t *testing.T) {
	tool := newMathTool()
	bound, err := tool.BindArgs(map[string]any{
		"a": 1.0, "b": 2.0, "injected": "ignore me",
	})
	require.NoError(t, err)
	assert.NotContains(t, bound, "injected")
	assert.Len(t, bound, 2)
}

func TestBindArgsMissingRequired(t *testing.T) {
	tool := newMathTool()
	_, err := tool.BindArgs(map[string]any{"a": 1.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestInvokeRunsWithBoundArgs(t *testing.T) {
	tool := newMathTool()
	result, err := tool.Invoke(context.Background(), map[string]any{"a": 1.5, "b": 2.5})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result)
}
