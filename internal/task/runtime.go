package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stackvm/internal/branch"
	"stackvm/internal/cache"
	"stackvm/internal/labels"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
	"stackvm/internal/vm"
)

// Runtime binds one task to its commit graph and drives plan execution.
// All write-side operations (Execute, Update, ReExecute, OptimizeStep,
// SaveBestPlan) are serialized by the runtime's lock; read-only accessors
// are not.
type Runtime struct {
	task     *Task
	store    Store
	manager  branch.Manager
	llm      llm.Client
	reason   llm.Client
	registry *tools.Registry

	generator  *plan.Generator
	optimizer  *plan.Optimizer
	planCache  *cache.PlanCache
	classifier *labels.Classifier

	allowedTools []string
	logger       logging.Logger
	mu           sync.Mutex
}

// RuntimeDeps carries the shared services a Runtime needs.
type RuntimeDeps struct {
	Store        Store
	Manager      branch.Manager
	LLM          llm.Client
	ReasoningLLM llm.Client
	Registry     *tools.Registry
	Generator    *plan.Generator
	Optimizer    *plan.Optimizer
	PlanCache    *cache.PlanCache
	Classifier   *labels.Classifier
	AllowedTools []string
}

// NewRuntime binds a task record to its services.
func NewRuntime(t *Task, deps RuntimeDeps) *Runtime {
	return &Runtime{
		task:         t,
		store:        deps.Store,
		manager:      deps.Manager,
		llm:          deps.LLM,
		reason:       deps.ReasoningLLM,
		registry:     deps.Registry,
		generator:    deps.Generator,
		optimizer:    deps.Optimizer,
		planCache:    deps.PlanCache,
		classifier:   deps.Classifier,
		allowedTools: deps.AllowedTools,
		logger:       logging.NewComponentLogger("Task"),
	}
}

// Task returns the bound record.
func (r *Runtime) Task() *Task { return r.task }

// Manager exposes the commit graph for read-only callers.
func (r *Runtime) Manager() branch.Manager { return r.manager }

// Lock serializes write-side operations driven externally, such as the
// streaming handler's inline step loop.
func (r *Runtime) Lock() { r.mu.Lock() }

// Unlock releases the write-side lock.
func (r *Runtime) Unlock() { r.mu.Unlock() }

// NewEngine builds a VM restored from the current head of the task's graph.
func (r *Runtime) NewEngine() (*vm.Engine, error) {
	return vm.NewEngine(r.task.Goal, r.manager, r.llm, r.registry, vm.Options{})
}

// GeneratePlan produces a plan for the task's goal, consulting the plan
// cache first and falling back through the label classifier to the
// generator. A cache hit returns the cached plan without an LLM call.
func (r *Runtime) GeneratePlan(ctx context.Context) (*plan.Parsed, error) {
	responseFormat := r.task.ResponseFormat()

	var example, bestPractices string
	if r.planCache != nil {
		if hit := r.planCache.Lookup(r.task.Goal, responseFormat); hit != nil {
			if hit.Matched && len(hit.Entry.BestPlan) > 0 {
				var cached plan.Plan
				if err := json.Unmarshal(hit.Entry.BestPlan, &cached); err == nil {
					r.logger.Info("Reusing the cached plan of goal %s", r.task.Goal)
					return &plan.Parsed{Plan: cached}, nil
				}
				r.logger.Warn("Cached plan for %q is unreadable, regenerating", hit.Entry.Goal)
			}
			if len(hit.Entry.BestPlan) > 0 {
				r.logger.Info("Using the reference goal %s to generate a new plan", hit.Entry.Goal)
				example = fmt.Sprintf("**Goal**:\n%s\n**The plan:**\n%s\n",
					hit.Entry.Goal, hit.Entry.BestPlan)
			}
		}
	}

	if example == "" && r.classifier != nil && r.task.Namespace != "" {
		classification, err := r.classifier.GenerateLabelPath(ctx, r.task.Namespace, r.task.Goal)
		if err != nil {
			r.logger.Error("Failed to generate label path: %v", err)
		} else if classification != nil {
			if len(classification.LabelPath) > 0 {
				if r.task.Meta == nil {
					r.task.Meta = map[string]any{}
				}
				r.task.Meta["label_path"] = classification.LabelPath
			}
			bestPractices = classification.BestPractices
			if similar := classification.MostSimilarTask; similar != nil && len(similar.BestPlan) > 0 {
				example = fmt.Sprintf("**Goal**:\n%s\n**The plan:**\n%s\n",
					similar.Goal, similar.BestPlan)
			}
		}
	}

	return r.generator.Generate(ctx, r.task.DescribeGoal(), plan.GenerateOptions{
		Example:       example,
		BestPractices: bestPractices,
		AllowedTools:  r.allowedTools,
	})
}

// AttachPlan installs the plan on the engine and records a GeneratePlan
// commit before the first step runs.
func (r *Runtime) AttachPlan(engine *vm.Engine, parsed *plan.Parsed) (string, error) {
	if err := engine.SetPlan(parsed.Reasoning, parsed.Plan); err != nil {
		return "", err
	}
	planJSON, _ := json.Marshal(parsed.Plan)
	hash, err := r.manager.CommitChanges(branch.CommitMessage{
		Type:            branch.CommitGeneratePlan,
		Description:     "Generated plan",
		InputParameters: map[string]string{"plan": string(planJSON)},
	})
	if err != nil {
		return "", fmt.Errorf("commit generated plan: %w", err)
	}
	return hash, nil
}

// RunOptions tune a Run loop.
type RunOptions struct {
	// StreamSeqNo selects the one step executed with StreamQueue attached.
	StreamSeqNo *int
	StreamQueue tools.StreamQueue
	// OnStep observes every completed step.
	OnStep func(vm.StepOutcome)
}

// Run steps the engine until the goal completes or a step fails.
func (r *Runtime) Run(ctx context.Context, engine *vm.Engine, opts RunOptions) error {
	for {
		stepOpts := vm.StepOptions{}
		if opts.StreamQueue != nil && opts.StreamSeqNo != nil {
			pc := engine.State().ProgramCounter
			if pc < len(engine.State().CurrentPlan) &&
				engine.State().CurrentPlan[pc].SeqNo == *opts.StreamSeqNo {
				stepOpts.StreamQueue = opts.StreamQueue
			}
		}

		outcome := engine.Step(ctx, stepOpts)
		if opts.OnStep != nil {
			opts.OnStep(outcome)
		}
		if !outcome.Success {
			return fmt.Errorf("failed to execute step: %s", outcome.Error)
		}
		if engine.State().GoalCompleted {
			r.logger.Info("Goal completed during plan execution.")
			return nil
		}
	}
}

// Execute generates a plan and runs it to completion.
func (r *Runtime) Execute(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markInProgress(ctx)
	err := func() error {
		parsed, err := r.GeneratePlan(ctx)
		if err != nil {
			return err
		}
		engine, err := r.NewEngine()
		if err != nil {
			return err
		}
		if _, err := r.AttachPlan(engine, parsed); err != nil {
			return err
		}
		return r.Run(ctx, engine, RunOptions{})
	}()
	if err != nil {
		r.markFailed(ctx, fmt.Sprintf("Failed to run task %s, goal: %s: %v", r.task.ID, r.task.Goal, err))
		return err
	}
	return r.markCompleted(ctx)
}

// ReExecuteResult reports one re-execution run.
type ReExecuteResult struct {
	Completed   bool   `json:"completed"`
	FinalAnswer string `json:"final_answer,omitempty"`
	BranchName  string `json:"branch_name"`
}

// ReExecute replays the task on a fresh branch, either from a named commit
// or from the earliest commit on the current head, optionally overriding
// the plan.
func (r *Runtime) ReExecute(ctx context.Context, reasoning, commitHash string, override plan.Plan) (*ReExecuteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	branchName := "re_execute_" + time.Now().Format("20060102_150405")

	r.markInProgress(ctx)
	result, err := func() (*ReExecuteResult, error) {
		var engine *vm.Engine
		if commitHash != "" {
			if err := r.manager.CheckoutBranchFromCommit(branchName, commitHash); err != nil {
				return nil, fmt.Errorf("create branch %q: %w", branchName, err)
			}
			var err error
			engine, err = r.NewEngine()
			if err != nil {
				return nil, err
			}
			if override != nil {
				if err := engine.SetPlan(reasoning, override); err != nil {
					return nil, err
				}
			}
		} else {
			hashes, err := r.manager.CommitHashes()
			if err != nil {
				return nil, err
			}
			if len(hashes) < 1 {
				return nil, fmt.Errorf("please choose an existing branch with a plan to re-execute")
			}
			earliest := hashes[len(hashes)-1]
			r.logger.Info("Re-executing from earliest commit hash %s", earliest)

			current := override
			if current == nil {
				head, err := r.manager.GetCommit(hashes[0])
				if err != nil {
					return nil, err
				}
				state, err := vm.DecodeState(head.VMState)
				if err != nil || state == nil || len(state.CurrentPlan) == 0 {
					return nil, fmt.Errorf("no plan found at commit %s", hashes[0])
				}
				current = state.CurrentPlan
			}

			if err := r.manager.CheckoutBranchFromCommit(branchName, earliest); err != nil {
				return nil, fmt.Errorf("create branch %q: %w", branchName, err)
			}
			engine, err = r.NewEngine()
			if err != nil {
				return nil, err
			}
			if err := engine.SetPlan(reasoning, current); err != nil {
				return nil, err
			}
		}

		if err := r.Run(ctx, engine, RunOptions{}); err != nil {
			return nil, err
		}

		out := &ReExecuteResult{Completed: engine.State().GoalCompleted, BranchName: branchName}
		if answer, ok := engine.State().FinalAnswer(); ok {
			out.FinalAnswer = answer
		}
		return out, nil
	}()
	if err != nil {
		r.markFailed(ctx, fmt.Sprintf("Failed to run task %s, goal: %s: %v", r.task.ID, r.task.Goal, err))
		return nil, err
	}

	if err := r.markCompleted(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateResult reports one plan update run.
type UpdateResult struct {
	Success       bool   `json:"success"`
	CurrentBranch string `json:"current_branch"`
}

// Update rewrites the plan tail from a base commit on a new branch and runs
// it to completion. With fromScratch the base is the earliest commit; with
// sourceBranch the base plan comes from that branch's tip instead of the
// base commit's snapshot.
func (r *Runtime) Update(ctx context.Context, newBranchName, commitHash, suggestion string, fromScratch bool, sourceBranch string) (*UpdateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markInProgress(ctx)
	result, err := func() (*UpdateResult, error) {
		if fromScratch {
			hashes, err := r.manager.CommitHashes()
			if err != nil {
				return nil, err
			}
			if len(hashes) <= 1 {
				return nil, fmt.Errorf("please choose an existing branch with a plan to update from scratch")
			}
			commitHash = hashes[len(hashes)-1]
			r.logger.Info("Updating plan from scratch, hash %s", commitHash)
		}
		if commitHash == "" {
			return nil, fmt.Errorf("commit_hash must be provided if not updating from scratch")
		}

		var basePlan plan.Plan
		if sourceBranch != "" {
			tip, err := r.manager.LatestCommit(sourceBranch)
			if err != nil {
				return nil, fmt.Errorf("checkout branch %q: %w", sourceBranch, err)
			}
			state, err := vm.DecodeState(tip.VMState)
			if err != nil || state == nil {
				return nil, fmt.Errorf("no plan found in the source branch %s", sourceBranch)
			}
			basePlan = state.CurrentPlan
		} else {
			commit, err := r.manager.GetCommit(commitHash)
			if err != nil {
				return nil, err
			}
			state, err := vm.DecodeState(commit.VMState)
			if err != nil || state == nil {
				return nil, fmt.Errorf("no plan found at commit %s", commitHash)
			}
			basePlan = state.CurrentPlan
		}
		if len(basePlan) == 0 {
			return nil, fmt.Errorf("no plan found for update")
		}

		if err := r.manager.CheckoutBranchFromCommit(newBranchName, commitHash); err != nil {
			return nil, fmt.Errorf("create branch %q: %w", newBranchName, err)
		}

		engine, err := r.NewEngine()
		if err != nil {
			return nil, err
		}

		r.logger.Info("Update plan for task %s from commit hash %s to address the suggestion: %s",
			r.task.ID, commitHash, suggestion)

		responseFormat := ""
		if rf := r.task.ResponseFormat(); len(rf) > 0 {
			raw, _ := json.Marshal(rf)
			responseFormat = string(raw)
		}

		updated, err := r.optimizer.Update(ctx, plan.UpdateRequest{
			Goal:           r.task.Goal,
			ResponseFormat: responseFormat,
			ProgramCounter: engine.State().ProgramCounter,
			Current:        basePlan,
			Suggestion:     suggestion,
			AllowedTools:   r.allowedTools,
		})
		if err != nil {
			return nil, err
		}

		if err := engine.SetPlan(updated.Reasoning, updated.Plan); err != nil {
			return nil, err
		}
		engine.RecalculateVariableRefs()
		if err := engine.SaveState(); err != nil {
			return nil, err
		}

		planJSON, _ := json.Marshal(updated.Plan)
		pc := engine.State().ProgramCounter
		newCommitHash, err := r.manager.CommitChanges(branch.CommitMessage{
			Type:            branch.CommitPlanUpdate,
			SeqNo:           &pc,
			Description:     suggestion,
			InputParameters: map[string]string{"updated_plan": string(planJSON)},
		})
		if err != nil {
			return nil, fmt.Errorf("commit updated plan: %w", err)
		}
		r.logger.Info("Resumed execution with updated plan on branch %q. New commit: %s",
			newBranchName, newCommitHash)

		if err := r.Run(ctx, engine, RunOptions{}); err != nil {
			return nil, err
		}
		current, err := r.manager.CurrentBranch()
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Success: true, CurrentBranch: current}, nil
	}()
	if err != nil {
		r.markFailed(ctx, fmt.Sprintf("Failed to update task %s, goal: %s: %v", r.task.ID, r.task.Goal, err))
		return nil, err
	}

	if err := r.markCompleted(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// DynamicUpdateResult reports one dynamic replanning request.
type DynamicUpdateResult struct {
	Updated       bool   `json:"updated"`
	Explanation   string `json:"explanation,omitempty"`
	CurrentBranch string `json:"current_branch,omitempty"`
}

// DynamicUpdate gates replanning on the optimizer's should-update analysis
// at the given commit. A declined suggestion leaves the plan untouched;
// otherwise the tail is rewritten exactly as Update does.
func (r *Runtime) DynamicUpdate(ctx context.Context, newBranchName, commitHash, suggestion string) (*DynamicUpdateResult, error) {
	commit, err := r.manager.GetCommit(commitHash)
	if err != nil {
		return nil, err
	}
	state, err := vm.DecodeState(commit.VMState)
	if err != nil || state == nil || len(state.CurrentPlan) == 0 {
		return nil, fmt.Errorf("no plan found at commit %s", commitHash)
	}

	should, explanation, _, err := r.optimizer.ShouldUpdate(ctx, r.task.DescribeGoal(),
		state.ProgramCounter, state.CurrentPlan, state.Variables, suggestion)
	if err != nil {
		return nil, err
	}
	if !should {
		r.logger.Info("Keeping the current plan for task %s: %s", r.task.ID, explanation)
		return &DynamicUpdateResult{Explanation: explanation}, nil
	}

	result, err := r.Update(ctx, newBranchName, commitHash, suggestion, false, "")
	if err != nil {
		return nil, err
	}
	return &DynamicUpdateResult{
		Updated:       true,
		Explanation:   explanation,
		CurrentBranch: result.CurrentBranch,
	}, nil
}

// OptimizeStepResult reports one step optimization run.
type OptimizeStepResult struct {
	Success          bool   `json:"success"`
	CurrentBranch    string `json:"current_branch"`
	LatestCommitHash string `json:"latest_commit_hash"`
}

// OptimizeStep asks the model for a single replacement step, splices it at
// seqNo on a branch from the parent of commitHash, rewinds the program
// counter there, and runs to completion.
func (r *Runtime) OptimizeStep(ctx context.Context, commitHash string, seqNo int, suggestion string) (*OptimizeStepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markInProgress(ctx)
	result, err := func() (*OptimizeStepResult, error) {
		commit, err := r.manager.GetCommit(commitHash)
		if err != nil {
			return nil, err
		}
		state, err := vm.DecodeState(commit.VMState)
		if err != nil || state == nil {
			return nil, fmt.Errorf("failed to load state from commit hash %s", commitHash)
		}
		index := state.CurrentPlan.FindIndex(seqNo)
		if index < 0 {
			return nil, fmt.Errorf("seq_no %d not found in the plan at commit %s", seqNo, commitHash)
		}

		updatedStep, err := r.optimizer.UpdateStep(ctx, state.CurrentPlan[index], state.Variables, suggestion, r.allowedTools)
		if err != nil {
			return nil, err
		}
		r.logger.Info("Updating step %d with %v", seqNo, updatedStep.Parameters)

		parentHash, err := r.manager.ParentCommitHash(commitHash)
		if err != nil {
			return nil, err
		}

		branchName := "optimize_step_" + time.Now().Format("20060102_150405")
		if err := r.manager.CheckoutBranchFromCommit(branchName, parentHash); err != nil {
			return nil, fmt.Errorf("create branch %q: %w", branchName, err)
		}

		engine, err := r.NewEngine()
		if err != nil {
			return nil, err
		}

		spliced := engine.State().CurrentPlan.Clone()
		splicedIndex := spliced.FindIndex(seqNo)
		if splicedIndex < 0 {
			splicedIndex = index
			spliced = state.CurrentPlan.Clone()
		}
		spliced[splicedIndex] = *updatedStep
		if err := engine.SetPlan(engine.State().Reasoning, spliced); err != nil {
			return nil, err
		}
		engine.SetProgramCounter(splicedIndex)
		engine.RecalculateVariableRefs()
		if err := engine.SaveState(); err != nil {
			return nil, err
		}

		stepJSON, _ := json.Marshal(updatedStep)
		pc := engine.State().ProgramCounter
		newCommitHash, err := r.manager.CommitChanges(branch.CommitMessage{
			Type:            branch.CommitStepOptimization,
			SeqNo:           &pc,
			Description:     suggestion,
			InputParameters: map[string]string{"updated_step": string(stepJSON)},
		})
		if err != nil {
			return nil, fmt.Errorf("commit step optimization: %w", err)
		}
		r.logger.Info("Resumed execution with optimized step on branch %q. New commit: %s",
			branchName, newCommitHash)

		if err := r.Run(ctx, engine, RunOptions{}); err != nil {
			return nil, err
		}

		current, err := r.manager.CurrentBranch()
		if err != nil {
			return nil, err
		}
		head, err := r.manager.CurrentCommitHash()
		if err != nil {
			return nil, err
		}
		return &OptimizeStepResult{Success: true, CurrentBranch: current, LatestCommitHash: head}, nil
	}()
	if err != nil {
		r.markFailed(ctx, fmt.Sprintf("Failed to optimize step %d for task %s, goal: %s: %v",
			seqNo, r.task.ID, r.task.Goal, err))
		return nil, err
	}

	if err := r.markCompleted(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveBestPlan promotes the plan recorded at commitHash to the task's
// best_plan.
func (r *Runtime) SaveBestPlan(ctx context.Context, commitHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.manager.GetCommit(commitHash)
	if err != nil {
		return err
	}
	state, err := vm.DecodeState(commit.VMState)
	if err != nil || state == nil || len(state.CurrentPlan) == 0 {
		return fmt.Errorf("failed to find plan for task %s from commit hash %s", r.task.ID, commitHash)
	}

	raw, err := json.Marshal(state.CurrentPlan)
	if err != nil {
		return err
	}
	r.task.BestPlan = raw
	if err := r.store.Save(ctx, r.task); err != nil {
		return err
	}
	if r.planCache != nil {
		r.planCache.Add(cache.Entry{
			Goal:           r.task.Goal,
			ResponseFormat: r.task.ResponseFormat(),
			BestPlan:       raw,
		})
	}
	return nil
}

// RecordEvaluation stores the automated answer-review verdict with its
// reason.
func (r *Runtime) RecordEvaluation(ctx context.Context, status EvaluationStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task.EvaluationStatus = status
	r.task.EvaluationReason = reason
	return r.store.Save(ctx, r.task)
}

// RecordHumanEvaluation stores the human-review state and feedback, as the
// offline evaluation loop does when a task needs a reviewer.
func (r *Runtime) RecordHumanEvaluation(ctx context.Context, status EvaluationStatus, feedback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task.HumanEvaluationStatus = status
	r.task.HumanFeedback = feedback
	return r.store.Save(ctx, r.task)
}

// MarkCompleted records successful completion with the canned log line.
func (r *Runtime) MarkCompleted(ctx context.Context) error {
	return r.markCompleted(ctx)
}

// MarkFailed records a failure with the given log line.
func (r *Runtime) MarkFailed(ctx context.Context, logs string) {
	r.markFailed(ctx, logs)
}

func (r *Runtime) markInProgress(ctx context.Context) {
	r.task.Status = StatusInProgress
	if err := r.store.Save(ctx, r.task); err != nil {
		r.logger.Error("Failed to save task %s: %v", r.task.ID, err)
	}
}

func (r *Runtime) markFailed(ctx context.Context, logs string) {
	r.task.Status = StatusFailed
	r.task.Logs = logs
	r.logger.Error("%s", logs)
	if err := r.store.Save(ctx, r.task); err != nil {
		r.logger.Error("Failed to save task %s: %v", r.task.ID, err)
	}
}

func (r *Runtime) markCompleted(ctx context.Context) error {
	r.task.Status = StatusCompleted
	r.task.Logs = "Plan execution completed."
	return r.store.Save(ctx, r.task)
}
