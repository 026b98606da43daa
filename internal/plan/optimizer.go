package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"stackvm/internal/jsonx"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/tools"
)

// KeyFactor is one consideration surfaced by the replan decision.
type KeyFactor struct {
	Factor string `json:"factor"`
	Impact string `json:"impact"`
}

// Optimizer rewrites plans, either wholesale or one step at a time.
type Optimizer struct {
	client   llm.Client
	registry *tools.Registry
	vmSpec   string
	logger   logging.Logger
}

func NewOptimizer(client llm.Client, registry *tools.Registry, vmSpec string) *Optimizer {
	if vmSpec == "" {
		vmSpec = DefaultVMSpec
	}
	return &Optimizer{
		client:   client,
		registry: registry,
		vmSpec:   vmSpec,
		logger:   logging.NewComponentLogger("PlanOptimizer"),
	}
}

// UpdateRequest describes a partial plan update. Steps before
// ProgramCounter are preserved verbatim in the result.
type UpdateRequest struct {
	Goal           string
	ResponseFormat string
	ProgramCounter int
	Current        Plan
	Suggestion     string
	KeyFactors     []KeyFactor
	AllowedTools   []string
}

// Update asks the model for a merged plan incorporating the suggestion.
// The returned plan keeps every step before the program counter unchanged;
// a model response violating that is rejected.
func (o *Optimizer) Update(ctx context.Context, req UpdateRequest) (*Parsed, error) {
	prompt := UpdatePrompt(req.Goal, req.ResponseFormat, req.ProgramCounter,
		o.vmSpec, o.registry.Describe(req.AllowedTools), req.Current, req.Suggestion, req.KeyFactors)

	resp, err := o.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("plan update request: %w", err)
	}
	parsed, err := ParseResponse(resp.Content)
	if err != nil {
		o.logger.Error("Failed to parse the updated plan: %v", err)
		return nil, err
	}
	if err := verifyPrefix(req.Current, parsed.Plan, req.ProgramCounter); err != nil {
		return nil, &UnavailableError{Response: resp.Content, Reason: err.Error()}
	}
	return parsed, nil
}

// verifyPrefix checks that the first counter steps survived the rewrite.
func verifyPrefix(before, after Plan, counter int) error {
	if counter > len(before) {
		counter = len(before)
	}
	if len(after) < counter {
		return fmt.Errorf("updated plan dropped executed steps: got %d, want at least %d", len(after), counter)
	}
	for i := 0; i < counter; i++ {
		if before[i].SeqNo != after[i].SeqNo || before[i].Type != after[i].Type {
			return fmt.Errorf("updated plan altered executed step at index %d", i)
		}
	}
	return nil
}

// UpdateStep asks the model for a single replacement step.
func (o *Optimizer) UpdateStep(ctx context.Context, current Step, variables map[string]any, suggestion string, allowedTools []string) (*Step, error) {
	prompt := StepUpdatePrompt(current, variables, o.vmSpec, o.registry.Describe(allowedTools), suggestion)

	resp, err := o.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("step update request: %w", err)
	}
	step, err := ParseStep(resp.Content)
	if err != nil {
		o.logger.Error("Failed to parse the updated step: %v", err)
		return nil, err
	}
	return step, nil
}

// ShouldUpdate asks whether replanning is warranted at all.
func (o *Optimizer) ShouldUpdate(ctx context.Context, goal string, programCounter int, current Plan, variables map[string]any, suggestion string) (bool, string, []KeyFactor, error) {
	prompt := ShouldUpdatePrompt(goal, programCounter, current, variables, suggestion)

	resp, err := o.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return false, "", nil, fmt.Errorf("replan decision request: %w", err)
	}

	obj, ok := jsonx.FirstObject(resp.Content)
	if !ok {
		o.logger.Error("No valid JSON object found in the replan decision response")
		return false, "No valid JSON object found.", nil, nil
	}
	var analysis struct {
		ShouldUpdate bool        `json:"should_update"`
		Explanation  string      `json:"explanation"`
		KeyFactors   []KeyFactor `json:"key_factors"`
	}
	if err := json.Unmarshal([]byte(obj), &analysis); err != nil {
		return false, "", nil, fmt.Errorf("invalid replan decision: %w", err)
	}

	if analysis.ShouldUpdate {
		o.logger.Info("LLM suggests updating the plan: %s", analysis.Explanation)
		for _, factor := range analysis.KeyFactors {
			o.logger.Info("Factor: %s, Impact: %s", factor.Factor, factor.Impact)
		}
	} else {
		o.logger.Info("LLM suggests keeping the current plan: %s", analysis.Explanation)
	}
	return analysis.ShouldUpdate, analysis.Explanation, analysis.KeyFactors, nil
}
