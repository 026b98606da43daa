package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/branch"
	"stackvm/internal/branch/memstore"
	"stackvm/internal/llm"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
)

func newTestEngine(t *testing.T, client llm.Client, steps plan.Plan) (*Engine, *memstore.Store) {
	t.Helper()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewEchoTool()))
	if client != nil {
		require.NoError(t, registry.Register(tools.NewLLMGenerateTool(client)))
	}

	store := memstore.New()
	engine, err := NewEngine("test goal", store, client, registry, Options{})
	require.NoError(t, err)
	if steps != nil {
		require.NoError(t, engine.SetPlan("", steps))
	}
	return engine, store
}

func callingEcho(seqNo int, msg string, outputVar string) plan.Step {
	return plan.Step{
		SeqNo: seqNo,
		Type:  plan.TypeCalling,
		Parameters: map[string]any{
			"tool_name":   "tool_echo",
			"tool_params": map[string]any{"msg": msg},
			"output_vars": []any{outputVar},
		},
	}
}

func assign(seqNo int, params map[string]any) plan.Step {
	return plan.Step{SeqNo: seqNo, Type: plan.TypeAssign, Parameters: params}
}

func runToCompletion(t *testing.T, engine *Engine) {
	t.Helper()
	for i := 0; i < 50; i++ {
		outcome := engine.Step(context.Background(), StepOptions{})
		require.True(t, outcome.Success, "step failed: %s", outcome.Error)
		if engine.State().GoalCompleted {
			return
		}
	}
	t.Fatal("plan did not complete")
}

func TestAssignFinalAnswerCompletesGoal(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		assign(0, map[string]any{"final_answer": "done"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.True(t, engine.State().GoalCompleted)

	answer, ok := engine.State().FinalAnswer()
	assert.True(t, ok)
	assert.Equal(t, "done", answer)
}

func TestVariableFlowsAcrossSteps(t *testing.T) {
	engine, store := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "greeting"),
		assign(1, map[string]any{"message": "Say: ${greeting}"}),
		assign(2, map[string]any{"final_answer": "${message}"}),
	})

	runToCompletion(t, engine)

	answer, ok := engine.State().FinalAnswer()
	require.True(t, ok)
	assert.Equal(t, "Say: hello", answer)

	// One commit per executed step on top of the initial commit.
	commits, err := store.GetCommits("main")
	require.NoError(t, err)
	require.Len(t, commits, 4)
	assert.Equal(t, branch.CommitStepExecution, commits[0].CommitType)
}

func TestConsumedVariableIsCollected(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "greeting"),
		assign(1, map[string]any{"copy": "${greeting}"}),
		assign(2, map[string]any{"final_answer": "${copy}"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.Equal(t, 1, engine.Store().Refs()["greeting"])

	outcome = engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)

	// The single reference was consumed by step 1, so the garbage collector
	// dropped greeting before step 2 ran.
	_, ok := engine.GetVariable("greeting")
	assert.False(t, ok)
	_, ok = engine.GetVariable("copy")
	assert.True(t, ok)
}

func TestConditionalJumpFollowsDecision(t *testing.T) {
	client := llm.NewMockClient(`{"result": true, "explanation": "condition held"}`)
	engine, _ := newTestEngine(t, client, plan.Plan{
		{SeqNo: 0, Type: plan.TypeJmp, Parameters: map[string]any{
			"condition_prompt": "Is the sky blue?",
			"jump_if_true":     2,
			"jump_if_false":    1,
		}},
		assign(1, map[string]any{"final_answer": "no"}),
		assign(2, map[string]any{"final_answer": "yes"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.Equal(t, 2, engine.State().ProgramCounter)

	outcome = engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	answer, _ := engine.State().FinalAnswer()
	assert.Equal(t, "yes", answer)
}

func TestUnconditionalJump(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		{SeqNo: 0, Type: plan.TypeJmp, Parameters: map[string]any{"target_seq": 2}},
		assign(1, map[string]any{"final_answer": "skipped"}),
		assign(2, map[string]any{"final_answer": "landed"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.Equal(t, 2, engine.State().ProgramCounter)
}

func TestJumpToUnknownSeqNoFails(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		{SeqNo: 0, Type: plan.TypeJmp, Parameters: map[string]any{"target_seq": 99}},
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, engine.State().Errors)
}

func TestUnregisteredToolWritesFailureCommit(t *testing.T) {
	engine, store := newTestEngine(t, nil, plan.Plan{
		{SeqNo: 0, Type: plan.TypeCalling, Parameters: map[string]any{
			"tool_name":   "missing",
			"output_vars": []any{"out"},
		}},
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "not registered")

	commits, err := store.GetCommits("main")
	require.NoError(t, err)
	head := commits[0]
	assert.Equal(t, branch.CommitStepExecution, head.CommitType)
	assert.NotEmpty(t, head.Message.ExecutionError)
}

func TestReasoningStepRecordsMessage(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		{SeqNo: 0, Type: plan.TypeReasoning, Parameters: map[string]any{
			"chain_of_thoughts":   "look up, then summarize",
			"dependency_analysis": "step 1 feeds step 2",
		}},
		assign(1, map[string]any{"final_answer": "ok"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.Len(t, engine.State().Msgs, 1)
}

func TestLookaheadRunsConcurrentCallingSteps(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "a", "va"),
		callingEcho(1, "b", "vb"),
		callingEcho(2, "c", "vc"),
		assign(3, map[string]any{"final_answer": "${va}${vb}${vc}"}),
	})

	runToCompletion(t, engine)

	answer, _ := engine.State().FinalAnswer()
	assert.Equal(t, "abc", answer)
}

func TestLookaheadFailuresRecordedAtHarvest(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "a", "va"),
		{SeqNo: 1, Type: plan.TypeCalling, Parameters: map[string]any{
			"tool_name":   "missing",
			"output_vars": []any{"v1"},
		}},
		{SeqNo: 2, Type: plan.TypeCalling, Parameters: map[string]any{
			"tool_name":   "missing",
			"output_vars": []any{"v2"},
		}},
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	// Lookahead failures stay inside their run steps until the program
	// counter reaches them; pool goroutines never write the error trail.
	assert.Empty(t, engine.State().Errors)

	outcome = engine.Step(context.Background(), StepOptions{})
	require.False(t, outcome.Success)
	require.Len(t, engine.State().Errors, 1)
	execErr, ok := engine.State().Errors[0].(*ExecError)
	require.True(t, ok)
	assert.Equal(t, 1, execErr.ProgramCounter)
	assert.Contains(t, execErr.Message, "not registered")
}

func TestLookaheadStopsAtUnmetDependency(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "a", "va"),
		callingEcho(1, "${va}-b", "vb"),
	})

	// Step 1 references va, which is unset while step 0 runs, so it must
	// not be picked up by the lookahead scan.
	concurrent := engine.findConcurrentSteps()
	assert.Empty(t, concurrent)
}

func TestStateSurvivesReload(t *testing.T) {
	engine, store := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "greeting"),
		assign(1, map[string]any{"final_answer": "${greeting}"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewEchoTool()))
	restored, err := NewEngine("test goal", store, nil, registry, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, restored.State().ProgramCounter)
	value, ok := restored.GetVariable("greeting")
	assert.True(t, ok)
	assert.Equal(t, "hello", value)

	outcome = restored.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	answer, _ := restored.State().FinalAnswer()
	assert.Equal(t, "hello", answer)
}

func TestProgramCounterOutOfRangeFails(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		assign(0, map[string]any{"note": "only step"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)

	outcome = engine.Step(context.Background(), StepOptions{})
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "out of range")
}

func TestRecalculateVariableRefs(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "greeting"),
		assign(1, map[string]any{"a": "${greeting}"}),
		assign(2, map[string]any{"b": "${greeting}"}),
	})

	outcome := engine.Step(context.Background(), StepOptions{})
	require.True(t, outcome.Success)
	assert.Equal(t, 2, engine.Store().Refs()["greeting"])

	engine.SetProgramCounter(2)
	engine.RecalculateVariableRefs()
	assert.Equal(t, 1, engine.Store().Refs()["greeting"])
}

func TestParseFinalAnswerTemplate(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "summary"),
		assign(1, map[string]any{"final_answer": "The summary is: ${summary}"}),
	})

	spec := engine.ParseFinalAnswer()
	require.NotNil(t, spec)
	assert.Equal(t, 1, spec.SeqNo)
	assert.True(t, spec.IsTemplate)
	assert.Equal(t, []string{"summary"}, spec.Variables)
}

func TestParseFinalAnswerPassthrough(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "result"),
		assign(1, map[string]any{"final_answer": "${result}"}),
	})

	spec := engine.ParseFinalAnswer()
	require.NotNil(t, spec)
	assert.False(t, spec.IsTemplate)
	assert.Equal(t, []string{"result"}, spec.Variables)
}

func TestParseFinalAnswerFromCallingOutput(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "final_answer"),
	})

	spec := engine.ParseFinalAnswer()
	require.NotNil(t, spec)
	assert.Equal(t, 0, spec.SeqNo)
	assert.Empty(t, spec.Variables)
}

func TestParseFinalAnswerStopsAtOtherStepType(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		assign(0, map[string]any{"final_answer": "early"}),
		{SeqNo: 1, Type: plan.TypeJmp, Parameters: map[string]any{"target_seq": 0}},
	})

	assert.Nil(t, engine.ParseFinalAnswer())
}

func TestParseDependenciesFindsProducers(t *testing.T) {
	engine, _ := newTestEngine(t, nil, plan.Plan{
		callingEcho(0, "hello", "report"),
		assign(1, map[string]any{"report": "${report} refined"}),
		assign(2, map[string]any{"final_answer": "${report}"}),
	})

	deps := engine.ParseDependencies([]string{"report"})
	assert.ElementsMatch(t, []int{0, 1}, deps["report"])
}

func TestSetPlanRejectsDuplicateSeqNo(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)
	err := engine.SetPlan("", plan.Plan{
		assign(0, map[string]any{"a": "1"}),
		assign(0, map[string]any{"b": "2"}),
	})
	assert.Error(t, err)
}
