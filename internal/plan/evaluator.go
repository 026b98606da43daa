package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"stackvm/internal/jsonx"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
)

// Evaluation is the judge's verdict on a final answer.
type Evaluation struct {
	Accept                   bool   `json:"accept"`
	Explanation              string `json:"answer_quality_assessment_explanation"`
	PlanAdjustmentSuggestion string `json:"plan_adjustment_suggestion"`
	GoalClassification       string `json:"goal_classification,omitempty"`
}

// Reflection is a proposed tail rewrite derived from an observed answer.
type Reflection struct {
	ShouldOptimize bool   `json:"should_optimize"`
	Suggestion     string `json:"suggestion"`
	// BranchName records where the observed final answer came from. Filled
	// by the caller, not the model.
	BranchName string `json:"branch_name,omitempty"`
}

// AnswerCandidate is one leaf answer entering the final tournament.
type AnswerCandidate struct {
	CommitHash  string `json:"commit_hash"`
	FinalAnswer string `json:"final_answer"`
}

// Evaluator judges answers and proposes plan adjustments.
type Evaluator struct {
	client llm.Client
	logger logging.Logger
}

func NewEvaluator(client llm.Client) *Evaluator {
	return &Evaluator{client: client, logger: logging.NewComponentLogger("PlanEvaluator")}
}

// EvaluateAnswer judges whether finalAnswer resolves the goal.
func (e *Evaluator) EvaluateAnswer(ctx context.Context, goalDescription, finalAnswer, planJSON string) (*Evaluation, error) {
	prompt := fmt.Sprintf(`You are tasked with evaluating the effectiveness of a problem-solving workflow. Below is a Goal, the Plan used to address it, and the Final Answer produced.

KEY POINTS TO CONSIDER:
1. Does the Plan demonstrate a sufficient understanding of the goal's background, constraints, and specific questions?
2. Does each instruction in the Plan incorporate the specific problem background and the user's question? Are any key points missing?
3. Does the Plan address all major aspects of the goal, leaving no unanswered questions?
4. Do the Plan's steps flow logically from one to the next, forming a coherent end-to-end workflow?
5. Does the Final Answer yield a clear, actionable resolution of the Goal?

YOUR OUTPUT FORMAT:
Return a JSON object with the following keys:
1. "accept": boolean indicating whether the Final Answer effectively resolves the Goal.
2. "answer_quality_assessment_explanation": a detailed justification.
3. "plan_adjustment_suggestion": if "accept" is false, a comprehensive analysis of how the Plan could be improved.
4. "goal_classification": (optional) a categorization of the goal type.

## Goal
%s

## Final Answer
%s

## Plan
%s

Now let's think step by step. Do your best on this evaluation task.`, goalDescription, finalAnswer, planJSON)

	var verdict Evaluation
	if err := e.completeJSON(ctx, prompt, &verdict); err != nil {
		e.logger.Error("Error evaluating task answer: %v", err)
		return nil, err
	}
	return &verdict, nil
}

// EvaluateExecutionError proposes a plan adjustment for a failed step.
func (e *Evaluator) EvaluateExecutionError(ctx context.Context, goalDescription string, current Plan, errorMessage string, seqNo int) (*Evaluation, error) {
	planJSON, _ := json.MarshalIndent(current, "", "  ")
	prompt := fmt.Sprintf(`A plan execution failed. Analyze the failure and propose how the plan should change.

## Goal
%s

## Plan
%s

## Failed Step seq_no
%d

## Error
%s

Return a JSON object:
{
  "accept": false,
  "answer_quality_assessment_explanation": string,
  "plan_adjustment_suggestion": string
}

The suggestion must address the root cause of the failure, for example a wrong tool, missing parameters, or an unresolved variable reference.`, goalDescription, planJSON, seqNo, errorMessage)

	var verdict Evaluation
	if err := e.completeJSON(ctx, prompt, &verdict); err != nil {
		e.logger.Error("Error evaluating execution error: %v", err)
		return nil, err
	}
	verdict.Accept = false
	return &verdict, nil
}

// Reflect asks whether the steps after stepIndex should be rewritten in
// light of the observed final answer.
func (e *Evaluator) Reflect(ctx context.Context, goalDescription, finalAnswer string, stepIndex int, current Plan, variables map[string]any, feedback string) (*Reflection, error) {
	planJSON, _ := json.MarshalIndent(current, "", "  ")
	varsJSON, _ := json.MarshalIndent(variables, "", "  ")

	var remaining Plan
	for _, step := range current {
		if step.SeqNo > stepIndex {
			remaining = append(remaining, step)
		}
	}
	remainingJSON, _ := json.MarshalIndent(remaining, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `You are reviewing one execution path of a plan. The plan produced a final answer; decide whether the steps after the current one should be optimized to produce a better answer.

## Goal
%s

## Current Step Index
%d

## Current Plan
%s

## Remaining Steps
%s

## Current Variables
%s

## Final Answer
%s
`, goalDescription, stepIndex, planJSON, remainingJSON, varsJSON, finalAnswer)
	if feedback != "" {
		fmt.Fprintf(&b, "\n## Evaluator Feedback\n%s\n", feedback)
	}
	b.WriteString(`
Return a JSON object:
{
  "should_optimize": boolean,
  "suggestion": string
}

Only set "should_optimize" to true when a concrete improvement to the remaining steps exists.`)

	var reflection Reflection
	if err := e.completeJSON(ctx, b.String(), &reflection); err != nil {
		e.logger.Error("Error during reflection: %v", err)
		return nil, err
	}
	return &reflection, nil
}

// EvaluateMultipleAnswers runs the final tournament across leaf answers and
// returns a score per commit hash. Higher is better.
func (e *Evaluator) EvaluateMultipleAnswers(ctx context.Context, goalDescription string, candidates []AnswerCandidate) (map[string]float64, error) {
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}
	candidatesJSON, _ := json.MarshalIndent(candidates, "", "  ")
	prompt := fmt.Sprintf(`Several execution paths produced candidate final answers for the same goal. Rank them.

## Goal
%s

## Candidates
%s

Score each candidate from 0.0 to 10.0 on how well it resolves the goal. Return a JSON array:
[
  {"commit_hash": string, "score": number},
  ...
]`, goalDescription, candidatesJSON)

	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("answer tournament request: %w", err)
	}

	arr, ok := jsonx.FirstArray(resp.Content)
	if !ok {
		return nil, fmt.Errorf("no JSON array found in the tournament response")
	}
	var scored []struct {
		CommitHash string  `json:"commit_hash"`
		Score      float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(arr), &scored); err != nil {
		return nil, fmt.Errorf("invalid tournament response: %w", err)
	}

	scores := make(map[string]float64, len(scored))
	for _, entry := range scored {
		scores[entry.CommitHash] = entry.Score
	}
	return scores, nil
}

func (e *Evaluator) completeJSON(ctx context.Context, prompt string, out any) error {
	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}
	raw, err := jsonx.ExtractWithRepair(resp.Content)
	if err != nil {
		return fmt.Errorf("no JSON found in evaluator response: %w", err)
	}
	return json.Unmarshal(raw, out)
}
