package vm

import (
	"context"
	"fmt"
	"strings"

	"stackvm/internal/branch"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
)

// variablePreviewLength bounds value previews in commit messages.
const variablePreviewLength = 50

// finalAnswerVar completes the goal when assigned.
const finalAnswerVar = "final_answer"

// Engine executes a plan against a variable store, recording every state
// transition into the task's commit graph.
type Engine struct {
	logger   logging.Logger
	store    *VariableStore
	branch   branch.Manager
	llm      llm.Client
	registry *tools.Registry
	pool     *workerPool

	state *State
	steps map[int]*runStep
}

// Options tunes engine construction.
type Options struct {
	MaxWorkers int
	Logger     logging.Logger
}

// StepOptions carries per-call execution context.
type StepOptions struct {
	// StreamQueue, when set, is offered to streaming-aware tools so text
	// chunks reach the client while the step runs.
	StreamQueue tools.StreamQueue
}

// NewEngine builds a VM bound to the task's commit graph, restoring the
// snapshot at the current head.
func NewEngine(goal string, mgr branch.Manager, client llm.Client, registry *tools.Registry, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("PlanVM")
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 3
	}

	e := &Engine{
		logger:   logger,
		store:    NewVariableStore(),
		branch:   mgr,
		llm:      client,
		registry: registry,
		pool:     newWorkerPool(workers),
		state:    NewState(goal),
		steps:    make(map[int]*runStep),
	}

	head, err := mgr.CurrentCommitHash()
	if err != nil {
		return nil, fmt.Errorf("resolve current commit: %w", err)
	}
	if err := e.LoadStateFrom(head); err != nil {
		return nil, fmt.Errorf("load state from current commit: %w", err)
	}
	if e.state.Goal == "" {
		e.state.Goal = goal
	}
	return e, nil
}

// State returns the live snapshot. Callers must treat it as read-only.
func (e *Engine) State() *State {
	return e.state
}

// Store exposes the variable store for read access.
func (e *Engine) Store() *VariableStore {
	return e.store
}

// SetPlan installs a plan with its reasoning and saves the state.
func (e *Engine) SetPlan(reasoning string, p plan.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.state.CurrentPlan = p
	e.state.Reasoning = reasoning
	e.steps = make(map[int]*runStep)
	return e.SaveState()
}

// SetProgramCounter repositions execution, as step optimization does after
// splicing a replacement step.
func (e *Engine) SetProgramCounter(pc int) {
	e.state.ProgramCounter = pc
}

// resolveParameter decrements every referenced variable then interpolates.
func (e *Engine) resolveParameter(param any) any {
	for _, name := range e.store.FindKnownRefs(param) {
		e.store.DecreaseRefCount(name)
	}
	return e.store.Interpolate(param)
}

func (e *Engine) appendMsg(msg any) {
	e.state.Msgs = append(e.state.Msgs, msg)
}

func (e *Engine) appendError(err *ExecError) {
	e.state.Errors = append(e.state.Errors, err)
}

// SetVariable installs a variable and seeds its reference count with one
// linear scan over the remaining plan. Setting final_answer completes the
// goal instead.
func (e *Engine) SetVariable(name string, value any) {
	e.store.Set(name, value)

	if name == finalAnswerVar {
		e.state.GoalCompleted = true
		e.logger.Info("Goal has been marked as completed.")
		return
	}

	referenceCount := 0
	for i := e.state.ProgramCounter + 1; i < len(e.state.CurrentPlan); i++ {
		for _, paramValue := range e.state.CurrentPlan[i].ScanParams() {
			if containsName(FindRefs(paramValue), name) {
				referenceCount++
			}
		}
	}

	e.logger.Info("Reference count for %s: %d", name, referenceCount)
	e.store.SetReferenceCount(name, referenceCount)
}

// RecalculateVariableRefs resets every count to zero and re-scans the plan
// from the program counter forward.
func (e *Engine) RecalculateVariableRefs() {
	values := e.store.Values()
	refs := make(map[string]int, len(values))
	for name := range values {
		refs[name] = 0
	}

	for i := e.state.ProgramCounter; i < len(e.state.CurrentPlan); i++ {
		for _, paramValue := range e.state.CurrentPlan[i].ScanParams() {
			referenced := FindRefs(paramValue)
			for name := range refs {
				if containsName(referenced, name) {
					refs[name]++
				}
			}
		}
	}

	e.store.SetAll(values, refs)
	e.logger.Info("Variable reference counts recalculated.")
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// GetVariable reads one variable.
func (e *Engine) GetVariable(name string) (any, bool) {
	return e.store.Get(name)
}

// GarbageCollect drops variables whose reference count reached zero.
func (e *Engine) GarbageCollect() {
	e.store.GarbageCollect()
}

// LoadStateFrom restores the snapshot stored at hash. An empty snapshot
// leaves the fresh state in place.
func (e *Engine) LoadStateFrom(hash string) error {
	raw, err := e.branch.LoadState(hash)
	if err != nil {
		return err
	}
	state, err := DecodeState(raw)
	if err != nil {
		return err
	}
	if state != nil {
		e.state = state
		e.store.SetAll(state.Variables, state.VariableRefs)
		e.logger.Info("State loaded from commit %s", hash)
	}
	return nil
}

// SaveState stages the current snapshot for the next commit.
func (e *Engine) SaveState() error {
	e.state.Variables = e.store.Values()
	e.state.VariableRefs = e.store.Refs()
	raw, err := e.state.Encode()
	if err != nil {
		return err
	}
	return e.branch.UpdateState(raw)
}

// FindStepIndex returns the plan index for seq_no, or -1.
func (e *Engine) FindStepIndex(seqNo int) int {
	index := e.state.CurrentPlan.FindIndex(seqNo)
	if index < 0 {
		e.logger.Error("Seq_no %d not found in the current plan.", seqNo)
		e.appendError(&ExecError{
			Message:        fmt.Sprintf("Seq_no %d not found in the current plan.", seqNo),
			ProgramCounter: e.state.ProgramCounter,
		})
	}
	return index
}

// Step executes the next instruction. One call advances one step.
func (e *Engine) Step(ctx context.Context, opts StepOptions) StepOutcome {
	pc := e.state.ProgramCounter
	if pc >= len(e.state.CurrentPlan) {
		e.logger.Error("Program counter (%d) out of range for current plan (length: %d)",
			pc, len(e.state.CurrentPlan))
		message := fmt.Sprintf("Program counter out of range: %d", pc)
		e.appendError(&ExecError{Message: message, ProgramCounter: pc})
		return StepOutcome{Success: false, Error: message}
	}

	if len(e.steps) == 0 {
		for _, stepDef := range e.state.CurrentPlan {
			e.steps[stepDef.SeqNo] = newRunStep(stepDef, e.dispatch)
		}
	}

	current := e.steps[e.state.CurrentPlan[pc].SeqNo]

	if current.Status() == StatusPending && current.step.Type != plan.TypeJmp {
		for _, lookahead := range e.findConcurrentSteps() {
			if lookahead.markSubmitted() {
				step := lookahead
				e.logger.Info("Executing concurrent step %s", step)
				e.pool.submit(e.logger, fmt.Sprintf("vm-step-%d", step.step.SeqNo), func() {
					step.run(ctx, opts)
				})
			}
		}
	}

	switch current.Status() {
	case StatusPending:
		e.logger.Info("Executing step %d: %s", pc, current)
		current.run(ctx, opts)
	case StatusSubmitted, StatusRunning:
		e.logger.Info("Waiting for concurrent step %s to complete", current)
		current.wait()
	}

	result := current.getResult()
	if !result.Success {
		message := "step failed"
		if result.Err != nil {
			message = result.Err.Message
		}
		e.logger.Error("Failed to execute step %d: %s", current.step.SeqNo, message)

		if result.Err != nil {
			result.Err.ProgramCounter = e.state.ProgramCounter
			e.appendError(result.Err)
		}

		// A failure commit still records the error for later reflection.
		if err := e.SaveState(); err != nil {
			e.logger.Error("Failed to save state for failure commit: %v", err)
		}
		seqNo := current.step.SeqNo
		if _, err := e.branch.CommitChanges(branch.CommitMessage{
			Type:           branch.CommitStepExecution,
			SeqNo:          &seqNo,
			Description:    stepDescription(current.step),
			ExecutionError: message,
		}); err != nil {
			e.logger.Error("Failed to write failure commit: %v", err)
		}

		return StepOutcome{
			Success:  false,
			Error:    message,
			StepType: current.step.Type,
			SeqNo:    current.step.SeqNo,
		}
	}

	for name, value := range result.OutputVars {
		e.SetVariable(name, value)
	}

	message := e.buildCommitMessage(current.step, result.OutputVars)

	if result.TargetSeq != nil {
		targetIndex := e.FindStepIndex(*result.TargetSeq)
		if targetIndex < 0 {
			return StepOutcome{
				Success: false,
				Error:   fmt.Sprintf("Target step %d not found", *result.TargetSeq),
			}
		}
		e.state.ProgramCounter = targetIndex
	} else {
		e.state.ProgramCounter++
	}

	if e.state.ProgramCounter < len(e.state.CurrentPlan) {
		e.GarbageCollect()
	}

	if err := e.SaveState(); err != nil {
		return StepOutcome{Success: false, Error: fmt.Sprintf("save state: %v", err)}
	}

	commitHash, err := e.branch.CommitChanges(message)
	if err != nil {
		return StepOutcome{Success: false, Error: fmt.Sprintf("commit changes: %v", err)}
	}

	return StepOutcome{
		Success:    true,
		StepType:   current.step.Type,
		SeqNo:      current.step.SeqNo,
		Output:     result.OutputVars,
		CommitHash: commitHash,
	}
}

// findConcurrentSteps collects the contiguous run of calling steps after the
// program counter whose references are already satisfied. The scan stops at
// the first non-calling step or the first unmet dependency.
func (e *Engine) findConcurrentSteps() []*runStep {
	var concurrent []*runStep

	for next := e.state.ProgramCounter + 1; next < len(e.state.CurrentPlan); next++ {
		stepDef := e.state.CurrentPlan[next]
		if stepDef.Type != plan.TypeCalling {
			break
		}

		ready := true
		for _, paramValue := range stepDef.ToolParams() {
			for _, name := range FindRefs(paramValue) {
				if !e.store.Has(name) {
					ready = false
					break
				}
			}
			if !ready {
				break
			}
		}
		if !ready {
			break
		}
		concurrent = append(concurrent, e.steps[stepDef.SeqNo])
	}

	return concurrent
}

// buildCommitMessage assembles the StepExecution record with previews.
func (e *Engine) buildCommitMessage(step plan.Step, outputs map[string]any) branch.CommitMessage {
	inputs := make(map[string]string)
	for name, value := range stepInputParameters(step) {
		inputs[name] = previewValue(value)
	}

	var outputPreviews map[string]string
	if len(outputs) > 0 {
		outputPreviews = make(map[string]string, len(outputs))
		for name, value := range outputs {
			outputPreviews[name] = previewValue(value)
		}
	}

	seqNo := step.SeqNo
	return branch.CommitMessage{
		Type:            branch.CommitStepExecution,
		SeqNo:           &seqNo,
		Description:     stepDescription(step),
		InputParameters: inputs,
		OutputVariables: outputPreviews,
	}
}

func stepDescription(step plan.Step) string {
	if _, hasToolParams := step.Parameters["tool_params"]; step.Type == plan.TypeCalling || hasToolParams {
		toolName := step.ToolName()
		if toolName == "" {
			toolName = "Unknown"
		}
		return fmt.Sprintf("Executed seq_no: %d, step: '%s', tool: %s", step.SeqNo, step.Type, toolName)
	}
	return fmt.Sprintf("Executed seq_no: %d, step: %s", step.SeqNo, step.Type)
}

func stepInputParameters(step plan.Step) map[string]any {
	if _, hasToolParams := step.Parameters["tool_params"]; step.Type == plan.TypeCalling || hasToolParams {
		return step.ToolParams()
	}
	return step.Parameters
}

func previewValue(value any) string {
	text := Stringify(value)
	runes := []rune(text)
	if len(runes) > variablePreviewLength {
		return string(runes[:variablePreviewLength]) + "..."
	}
	return text
}

// FinalAnswerSpec describes how the plan produces final_answer.
type FinalAnswerSpec struct {
	SeqNo      int
	IsTemplate bool
	Template   string
	Variables  []string
}

// ParseFinalAnswer reverse-scans the plan for the step that produces
// final_answer: an assign (template mode when static text surrounds the
// reference) or a calling step listing it among its outputs. The scan stops
// at the first step of any other type.
func (e *Engine) ParseFinalAnswer() *FinalAnswerSpec {
	for i := len(e.state.CurrentPlan) - 1; i >= 0; i-- {
		step := e.state.CurrentPlan[i]
		switch step.Type {
		case plan.TypeAssign:
			for name, value := range step.Parameters {
				if name != finalAnswerVar {
					continue
				}
				template, _ := value.(string)
				referenced := FindRefs(template)
				// Template when static text surrounds the reference; the
				// +3 accounts for the ${} wrapper itself.
				isTemplate := len(referenced) == 0 ||
					len([]rune(strings.TrimSpace(template))) > len([]rune(referenced[0]))+3
				return &FinalAnswerSpec{
					SeqNo:      step.SeqNo,
					IsTemplate: isTemplate,
					Template:   template,
					Variables:  referenced,
				}
			}
		case plan.TypeCalling:
			if outputVars, ok := step.OutputVars(); ok && containsName(outputVars, finalAnswerVar) {
				return &FinalAnswerSpec{SeqNo: step.SeqNo}
			}
		default:
			return nil
		}
	}
	return nil
}

// ParseDependencies returns, per variable, the seq_nos of steps that
// produce it, scanning the plan in reverse.
func (e *Engine) ParseDependencies(vars []string) map[string][]int {
	result := make(map[string][]int, len(vars))
	for _, name := range vars {
		result[name] = []int{}
	}

	for i := len(e.state.CurrentPlan) - 1; i >= 0; i-- {
		step := e.state.CurrentPlan[i]
		switch step.Type {
		case plan.TypeAssign:
			for name := range step.Parameters {
				if _, wanted := result[name]; wanted {
					result[name] = append(result[name], step.SeqNo)
				}
			}
		case plan.TypeCalling:
			if outputVars, ok := step.OutputVars(); ok {
				for _, name := range outputVars {
					if _, wanted := result[name]; wanted {
						result[name] = append(result[name], step.SeqNo)
					}
				}
			}
		}
	}
	return result
}
