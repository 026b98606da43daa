package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"stackvm/internal/jsonx"
	"stackvm/internal/llm"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
)

const jmpResponseFormat = "\nRespond with a JSON object in the following format:\n{\n  \"result\": boolean,\n  \"explanation\": string\n}"

// dispatch routes a step to its handler. Unknown instruction types fall
// through to calling for compatibility with legacy plans.
func (e *Engine) dispatch(ctx context.Context, step plan.Step, opts StepOptions) Result {
	switch step.Type {
	case plan.TypeCalling:
		return e.handleCalling(ctx, step, opts)
	case plan.TypeJmp:
		return e.handleJmp(ctx, step, opts)
	case plan.TypeAssign:
		return e.handleAssign(ctx, step, opts)
	case plan.TypeReasoning:
		return e.handleReasoning(ctx, step, opts)
	default:
		e.logger.Warn("Unknown instruction %q at seq_no %d, treating as calling", step.Type, step.SeqNo)
		return e.handleCalling(ctx, step, opts)
	}
}

func (e *Engine) handleCalling(ctx context.Context, step plan.Step, opts StepOptions) Result {
	toolName := step.ToolName()
	if toolName == "" {
		return e.fail("Missing 'tool_name' in calling parameters", step)
	}

	tool, ok := e.registry.Get(toolName)
	if !ok {
		return e.fail(fmt.Sprintf("Tool '%s' is not registered.", toolName), step)
	}

	outputVars, ok := step.OutputVars()
	if !ok {
		if _, present := step.Parameters["output_vars"]; present {
			return e.fail("Invalid 'output_vars' type in calling parameters", step)
		}
		return e.fail("Missing 'output_vars' in calling parameters", step)
	}

	args := make(map[string]any)
	for name, value := range step.ToolParams() {
		args[name] = e.resolveParameter(value)
	}

	if len(outputVars) > 1 {
		args["response_format"] = "Respond with a JSON object in the following format:\n" +
			responseFormatExample(outputVars)
	}
	if opts.StreamQueue != nil {
		args = tools.WithStreamQueue(args, opts.StreamQueue)
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		return e.fail(fmt.Sprintf("Failed to fetch response from tool '%s': %v", toolName, err), step)
	}

	outputs, parseErr := parseToolOutputs(result, outputVars)
	if parseErr != nil {
		return e.fail(parseErr.Error(), step)
	}
	return success(outputs)
}

// parseToolOutputs maps a tool's raw return value onto the requested output
// variables. String results are probed for a balanced JSON object first.
func parseToolOutputs(result any, outputVars []string) (map[string]any, error) {
	if len(outputVars) == 0 {
		return map[string]any{}, nil
	}

	if text, ok := result.(string); ok {
		if obj, found := jsonx.FirstObject(text); found {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(obj), &parsed); err == nil {
				if containsAll(parsed, outputVars) {
					outputs := make(map[string]any, len(outputVars))
					for _, name := range outputVars {
						outputs[name] = parsed[name]
					}
					return outputs, nil
				}
			}
		}
		if len(outputVars) == 1 {
			return map[string]any{outputVars[0]: text}, nil
		}
		return nil, fmt.Errorf("no JSON object with keys %v found in the tool output", outputVars)
	}

	if parsed, ok := result.(map[string]any); ok && len(outputVars) > 1 {
		if !containsAll(parsed, outputVars) {
			return nil, fmt.Errorf("tool output missing requested keys %v", outputVars)
		}
		outputs := make(map[string]any, len(outputVars))
		for _, name := range outputVars {
			outputs[name] = parsed[name]
		}
		return outputs, nil
	}

	if len(outputVars) == 1 {
		return map[string]any{outputVars[0]: result}, nil
	}
	return nil, fmt.Errorf("tool output cannot satisfy requested keys %v", outputVars)
}

func containsAll(m map[string]any, keys []string) bool {
	for _, key := range keys {
		if _, ok := m[key]; !ok {
			return false
		}
	}
	return true
}

func responseFormatExample(outputVars []string) string {
	example := make(map[string]string, len(outputVars))
	for _, name := range outputVars {
		example[name] = "<to be filled>"
	}
	data, _ := json.MarshalIndent(example, "", "  ")
	return string(data)
}

func (e *Engine) handleJmp(ctx context.Context, step plan.Step, _ StepOptions) Result {
	conditionPrompt, _ := e.resolveParameter(step.Parameters["condition_prompt"]).(string)
	contextText, _ := e.resolveParameter(step.Parameters["context"]).(string)

	if conditionPrompt != "" {
		jumpIfTrue, okTrue := asInt(step.Parameters["jump_if_true"])
		jumpIfFalse, okFalse := asInt(step.Parameters["jump_if_false"])
		if !okTrue || !okFalse {
			return e.fail("Missing 'jump_if_true' or 'jump_if_false' in parameters.", step)
		}

		prompt := conditionPrompt + jmpResponseFormat
		messages := []llm.Message{}
		if contextText != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: contextText})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

		resp, err := e.llm.Complete(ctx, llm.CompletionRequest{Messages: messages})
		if err != nil {
			return e.fail(fmt.Sprintf("Condition evaluation failed: %v", err), step)
		}

		obj, found := jsonx.FirstObject(resp.Content)
		if !found {
			return e.fail(fmt.Sprintf("No JSON object found in the response: %s.", resp.Content), step)
		}
		var decision struct {
			Result      *bool  `json:"result"`
			Explanation string `json:"explanation"`
		}
		if err := json.Unmarshal([]byte(obj), &decision); err != nil {
			return e.fail("Failed to parse JSON response from LLM.", step)
		}
		if decision.Result == nil {
			return e.fail(fmt.Sprintf("Invalid condition result in response %s. Expected boolean.", obj), step)
		}

		target := jumpIfFalse
		if *decision.Result {
			target = jumpIfTrue
		}
		e.logger.Info("Jumping to seq_no %d based on condition result: %t. Explanation: %s",
			target, *decision.Result, decision.Explanation)
		return jump(target)
	}

	targetSeq, ok := asInt(step.Parameters["target_seq"])
	if !ok {
		return e.fail("Missing 'target_seq' for unconditional jump.", step)
	}
	return jump(targetSeq)
}

func (e *Engine) handleAssign(_ context.Context, step plan.Step, _ StepOptions) Result {
	outputs := make(map[string]any, len(step.Parameters))
	for name, expr := range step.Parameters {
		outputs[name] = e.resolveParameter(expr)
	}
	return success(outputs)
}

func (e *Engine) handleReasoning(_ context.Context, step plan.Step, _ StepOptions) Result {
	chainOfThoughts, okChain := step.Parameters["chain_of_thoughts"].(string)
	dependencyAnalysis, okDeps := step.Parameters["dependency_analysis"].(string)
	if !okChain || !okDeps {
		return e.fail("Invalid parameters for 'reasoning'.", step)
	}

	e.appendMsg(map[string]any{
		"chain_of_thoughts":   chainOfThoughts,
		"dependency_analysis": dependencyAnalysis,
	})
	return success(nil)
}

// fail returns a failure result carrying the error. Handlers may run on
// pool goroutines during lookahead, so the error is not recorded into the
// state trail here; Step harvests it on the main goroutine.
func (e *Engine) fail(message string, step plan.Step) Result {
	execErr := &ExecError{
		Message:     message,
		Instruction: step.Type,
		Params:      step.Parameters,
	}
	e.logger.Error("Error occurred in step %d: %s", step.SeqNo, message)
	return failure(execErr)
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
