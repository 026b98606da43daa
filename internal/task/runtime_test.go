package task

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/branch"
	"stackvm/internal/branch/memstore"
	"stackvm/internal/cache"
	"stackvm/internal/llm"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
)

const echoPlanResponse = `<think>fetch then answer</think><answer>
[
  {"seq_no": 0, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "hello"}, "output_vars": ["greeting"]}},
  {"seq_no": 1, "type": "assign", "parameters": {"final_answer": "${greeting}"}}
]
</answer>`

type runtimeFixture struct {
	runtime *Runtime
	task    *Task
	store   *MemStore
	manager *memstore.Store
	planLLM *llm.MockClient
	updLLM  *llm.MockClient
}

func newRuntimeFixture(t *testing.T, planCache *cache.PlanCache) *runtimeFixture {
	t.Helper()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewEchoTool()))

	planLLM := llm.NewMockClient()
	updLLM := llm.NewMockClient()

	store := NewMemStore()
	record := &Task{ID: "task-1", Goal: "greet the user"}
	require.NoError(t, store.Create(context.Background(), record))

	manager := memstore.New()
	rt := NewRuntime(record, RuntimeDeps{
		Store:        store,
		Manager:      manager,
		LLM:          planLLM,
		ReasoningLLM: updLLM,
		Registry:     registry,
		Generator:    plan.NewGenerator(planLLM, registry, "", ""),
		Optimizer:    plan.NewOptimizer(updLLM, registry, ""),
		PlanCache:    planCache,
	})
	return &runtimeFixture{
		runtime: rt,
		task:    record,
		store:   store,
		manager: manager,
		planLLM: planLLM,
		updLLM:  updLLM,
	}
}

func findCommitByType(t *testing.T, manager *memstore.Store, branchName, commitType string) branch.Commit {
	t.Helper()
	commits, err := manager.GetCommits(branchName)
	require.NoError(t, err)
	for _, commit := range commits {
		if commit.CommitType == commitType {
			return commit
		}
	}
	t.Fatalf("no %s commit on %s", commitType, branchName)
	return branch.Commit{}
}

func TestExecuteRunsGeneratedPlan(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)

	require.NoError(t, f.runtime.Execute(context.Background()))

	assert.Equal(t, StatusCompleted, f.task.Status)
	assert.Equal(t, "Plan execution completed.", f.task.Logs)

	genCommit := findCommitByType(t, f.manager, "main", branch.CommitGeneratePlan)
	assert.Contains(t, genCommit.Message.InputParameters["plan"], "tool_echo")

	commits, err := f.manager.GetCommits("main")
	require.NoError(t, err)
	// Initial, generated plan, and one commit per executed step.
	assert.Len(t, commits, 4)
}

func TestExecuteMarksFailureOnBadPlan(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(`[{"seq_no": 0, "type": "calling", "parameters": {"tool_name": "missing", "output_vars": ["x"]}}]`)

	err := f.runtime.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, f.task.Status)
	assert.Contains(t, f.task.Logs, "Failed to run task")
}

func TestGeneratePlanReusesCachedPlan(t *testing.T) {
	cachedPlan := json.RawMessage(`[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "cached"}}]`)
	planCache := cache.NewPlanCache(func(ctx context.Context) ([]cache.Entry, error) {
		return []cache.Entry{{
			Goal:           "greet the user",
			ResponseFormat: map[string]string{"Lang": "en"},
			BestPlan:       cachedPlan,
		}}, nil
	}, 0)
	require.NoError(t, planCache.Refresh(context.Background()))

	f := newRuntimeFixture(t, planCache)
	f.task.Meta = map[string]any{"response_format": map[string]any{"Lang": "en"}}

	parsed, err := f.runtime.GeneratePlan(context.Background())
	require.NoError(t, err)
	require.Len(t, parsed.Plan, 1)
	assert.Equal(t, "cached", parsed.Plan[0].Parameters["final_answer"])
	// No generation request was made.
	assert.Empty(t, f.planLLM.Requests)
}

func TestGeneratePlanUsesReferenceExampleOnNearMiss(t *testing.T) {
	planCache := cache.NewPlanCache(func(ctx context.Context) ([]cache.Entry, error) {
		return []cache.Entry{{
			Goal:           "greet the user",
			ResponseFormat: map[string]string{"Lang": "fr"},
			BestPlan:       json.RawMessage(`[{"seq_no":0,"type":"assign","parameters":{"final_answer":"salut"}}]`),
		}}, nil
	}, 0)
	require.NoError(t, planCache.Refresh(context.Background()))

	f := newRuntimeFixture(t, planCache)
	f.task.Meta = map[string]any{"response_format": map[string]any{"Lang": "en"}}
	f.planLLM.Enqueue(echoPlanResponse)

	_, err := f.runtime.GeneratePlan(context.Background())
	require.NoError(t, err)
	require.Len(t, f.planLLM.Requests, 1)
	assert.Contains(t, f.planLLM.Requests[0].Messages[0].Content, "salut")
}

func TestReExecuteFromScratch(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	result, err := f.runtime.ReExecute(context.Background(), "", "", nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "hello", result.FinalAnswer)
	assert.True(t, strings.HasPrefix(result.BranchName, "re_execute_"))
}

func TestReExecuteFromCommitWithOverride(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	genCommit := findCommitByType(t, f.manager, "main", branch.CommitGeneratePlan)
	override := plan.Plan{
		{SeqNo: 0, Type: plan.TypeAssign, Parameters: map[string]any{"final_answer": "overridden"}},
	}

	result, err := f.runtime.ReExecute(context.Background(), "take a shortcut", genCommit.CommitHash, override)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "overridden", result.FinalAnswer)
}

func TestUpdateRewritesPlanTail(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	genCommit := findCommitByType(t, f.manager, "main", branch.CommitGeneratePlan)
	f.updLLM.Enqueue(`[
		{"seq_no": 0, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "updated"}, "output_vars": ["greeting"]}},
		{"seq_no": 1, "type": "assign", "parameters": {"final_answer": "${greeting}!"}}
	]`)

	result, err := f.runtime.Update(context.Background(), "plan_update_test", genCommit.CommitHash,
		"be more enthusiastic", false, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "plan_update_test", result.CurrentBranch)

	updCommit := findCommitByType(t, f.manager, "plan_update_test", branch.CommitPlanUpdate)
	assert.Equal(t, "be more enthusiastic", updCommit.Message.Description)

	tip, err := f.manager.LatestCommit("plan_update_test")
	require.NoError(t, err)
	assert.Contains(t, string(tip.VMState), "updated")
}

func TestDynamicUpdateSkipsWhenNotWarranted(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	genCommit := findCommitByType(t, f.manager, "main", branch.CommitGeneratePlan)
	f.updLLM.Enqueue(`{"should_update": false, "explanation": "the plan already covers it", "key_factors": []}`)

	result, err := f.runtime.DynamicUpdate(context.Background(), "dynamic_plan_test",
		genCommit.CommitHash, "add a greeting in French")
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Equal(t, "the plan already covers it", result.Explanation)

	// Only the pre-check ran; no rewrite branch was created.
	require.Len(t, f.updLLM.Requests, 1)
	_, err = f.manager.LatestCommit("dynamic_plan_test")
	assert.Error(t, err)
}

func TestDynamicUpdateRewritesWhenWarranted(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	genCommit := findCommitByType(t, f.manager, "main", branch.CommitGeneratePlan)
	f.updLLM.Enqueue(`{"should_update": true, "explanation": "the suggestion changes the goal", "key_factors": []}`)
	f.updLLM.Enqueue(`[
		{"seq_no": 0, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "bonjour"}, "output_vars": ["greeting"]}},
		{"seq_no": 1, "type": "assign", "parameters": {"final_answer": "${greeting}"}}
	]`)

	result, err := f.runtime.DynamicUpdate(context.Background(), "dynamic_plan_test",
		genCommit.CommitHash, "greet in French instead")
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, "dynamic_plan_test", result.CurrentBranch)

	tip, err := f.manager.LatestCommit("dynamic_plan_test")
	require.NoError(t, err)
	assert.Contains(t, string(tip.VMState), "bonjour")
}

func TestUpdateRequiresCommitHash(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	_, err := f.runtime.Update(context.Background(), "b", "", "s", false, "")
	assert.Error(t, err)
}

func TestOptimizeStepSplicesReplacement(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	commits, err := f.manager.GetCommits("main")
	require.NoError(t, err)
	var stepCommit branch.Commit
	for _, commit := range commits {
		if commit.CommitType == branch.CommitStepExecution && commit.SeqNo != nil && *commit.SeqNo == 0 {
			stepCommit = commit
		}
	}
	require.NotEmpty(t, stepCommit.CommitHash)

	f.updLLM.Enqueue(`{"seq_no": 0, "type": "calling", "parameters": {"tool_name": "tool_echo", "tool_params": {"msg": "rewired"}, "output_vars": ["greeting"]}}`)

	result, err := f.runtime.OptimizeStep(context.Background(), stepCommit.CommitHash, 0, "use a better message")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.CurrentBranch, "optimize_step_"))

	tip, err := f.manager.LatestCommit(result.CurrentBranch)
	require.NoError(t, err)
	assert.Contains(t, string(tip.VMState), "rewired")
}

func TestExecuteMarksTaskInProgress(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	var seen []Status
	f.planLLM.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		stored, err := f.store.Get(ctx, "task-1")
		require.NoError(t, err)
		seen = append(seen, stored.Status)
		return &llm.CompletionResponse{Content: echoPlanResponse}, nil
	}

	require.NoError(t, f.runtime.Execute(context.Background()))

	// The store held in_progress while the plan was being generated.
	require.NotEmpty(t, seen)
	assert.Equal(t, StatusInProgress, seen[0])
	assert.Equal(t, StatusCompleted, f.task.Status)
}

func TestRecordEvaluationPersistsVerdict(t *testing.T) {
	f := newRuntimeFixture(t, nil)

	require.NoError(t, f.runtime.RecordEvaluation(context.Background(),
		EvalWaiting, "answer needs a second pass"))
	require.NoError(t, f.runtime.RecordHumanEvaluation(context.Background(),
		EvalWaiting, "optimizer gave up"))

	stored, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, EvalWaiting, stored.EvaluationStatus)
	assert.Equal(t, "answer needs a second pass", stored.EvaluationReason)
	assert.Equal(t, EvalWaiting, stored.HumanEvaluationStatus)
	assert.Equal(t, "optimizer gave up", stored.HumanFeedback)
}

func TestSaveBestPlanPersistsAndCaches(t *testing.T) {
	planCache := cache.NewPlanCache(func(ctx context.Context) ([]cache.Entry, error) {
		return nil, nil
	}, 0)
	require.NoError(t, planCache.Refresh(context.Background()))

	f := newRuntimeFixture(t, planCache)
	f.planLLM.Enqueue(echoPlanResponse)
	require.NoError(t, f.runtime.Execute(context.Background()))

	head, err := f.manager.CurrentCommitHash()
	require.NoError(t, err)
	require.NoError(t, f.runtime.SaveBestPlan(context.Background(), head))

	stored, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.BestPlan)

	hit := planCache.Lookup("greet the user", nil)
	require.NotNil(t, hit)
	assert.NotEmpty(t, hit.Entry.BestPlan)
}
