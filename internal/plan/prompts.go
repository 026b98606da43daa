package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultVMSpec is the built-in instruction-set description injected into
// generation prompts when no external specification file is configured.
const DefaultVMSpec = `# Plan VM Specification

A plan is a JSON array of steps. Each step has the shape:

  {"seq_no": <int>, "type": <string>, "parameters": {...}}

seq_no values must be unique within the plan. Step types:

1. "reasoning": records the thought process. Parameters:
   - "chain_of_thoughts": string
   - "dependency_analysis": string

2. "calling": invokes a registered tool. Parameters:
   - "tool_name": string
   - "tool_params": object with the tool's arguments
   - "output_vars": array of variable names receiving the tool output

3. "jmp": transfers control. Either an unconditional jump with
   - "target_seq": int
   or a conditional jump with
   - "condition_prompt": string evaluated by the LLM as a boolean
   - "context": optional string providing evaluation context
   - "jump_if_true": int, "jump_if_false": int

4. "assign": sets variables. Every parameter key is a variable name and
   its value the assigned expression.

Variable references use the form ` + "`${variable_name}`" + ` inside string
parameters; nested access ` + "`${variable.key}`" + ` reads one key of a map
variable. A referenced variable must be produced by an earlier step.

The final step of the plan must assign the result to the variable
"final_answer". Assigning "final_answer" completes the goal.`

const responseFormatInstruction = `You should respond in the following format:

<think>...</think>
<answer>
` + "```json" + `
[
  {
    "seq_no": 0,
    ...
  },
  ...
]
` + "```" + `
</answer>

where <think> is your detailed reasoning process in text format and the JSON array inside the answer is a valid plan.`

func today() string {
	return time.Now().Format("2006-01-02")
}

// GeneratePrompt builds the plan-generation prompt.
func GeneratePrompt(goal, vmSpec, toolCatalog, example, approach string) string {
	if approach == "" {
		approach = "Refer to the best practices and example"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s\n", today())
	fmt.Fprintf(&b, "Your task is to generate a detailed action plan to achieve the following goal:\nGoal: %s\n\n", goal)
	fmt.Fprintf(&b, "**MUST follow the Specification**:\n%s\n\n", vmSpec)
	fmt.Fprintf(&b, "## Available Tools for `calling` instruction\n%s\n\n", toolCatalog)
	if example != "" {
		b.WriteString("## Example: Here is an example of how to handle a similar task.\n\n")
		fmt.Fprintf(&b, "### The approach\n\n%s\n\n", approach)
		fmt.Fprintf(&b, "### Plan Example\n\n%s\n\n", example)
		b.WriteString("**Note**: Examples provide ideas for solving similar problems. Do not use tools that appear in the example but are missing from the Available Tools section.\n\n")
	}
	b.WriteString(`-------------------------------

Now, let's generate the plan.

1. **Analyze the Request**:
   - Determine the primary intent behind the goal.
   - Identify any implicit requirements or necessary prerequisites.

2. **Break Down the Goal**:
   - Decompose the goal into smaller, manageable sub-goals.
   - Identify dependencies between sub-goals to establish the correct execution order.

3. **Generate an Action Plan**:
   - For each sub-goal, create a corresponding action step to achieve it.
   - Include a 'reasoning' step at the beginning of the plan that outlines the chain of thought and dependency analysis of the steps.
   - IMPORTANT: Always use tools within "calling" instructions. Never invoke tool functions directly in the plan.
   - Only select tools listed in the "Available Tools" section. Using tools outside this list will cause the plan to fail.

The final step of the plan must assign the final output to the 'final_answer' variable.
`)
	b.WriteString(responseFormatInstruction)
	return b.String()
}

// UpdatePrompt builds the whole-plan update prompt. Steps before
// programCounter must survive unchanged in the merged plan.
func UpdatePrompt(goal, responseFormat string, programCounter int, vmSpec, toolCatalog string, current Plan, suggestion string, keyFactors []KeyFactor) string {
	planJSON, _ := json.MarshalIndent(current, "", "  ")
	lastExecuted := "No steps executed yet"
	if programCounter > 0 && programCounter <= len(current) {
		raw, _ := json.MarshalIndent(current[programCounter-1], "", "  ")
		lastExecuted = string(raw)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s\n", today())
	b.WriteString("Analyze the current VM execution state and update the plan based on suggestions and the current execution results.\n\n")
	fmt.Fprintf(&b, "Goal:\n%s\n\n", goal)
	if responseFormat != "" {
		fmt.Fprintf(&b, "The supplementary information for Goal:\n%s\n\n", responseFormat)
	}
	fmt.Fprintf(&b, "Current Plan:\n%s\n\n", planJSON)
	fmt.Fprintf(&b, "Current Program Counter: %d\n\n", programCounter)
	fmt.Fprintf(&b, "Last Executed Step: %s\n\n", lastExecuted)
	fmt.Fprintf(&b, "**Suggestion for plan update**: %s\n", suggestion)
	if len(keyFactors) > 0 {
		raw, _ := json.MarshalIndent(keyFactors, "", "  ")
		fmt.Fprintf(&b, "\nKey factors influencing the update:\n%s\n", raw)
	}
	b.WriteString(`
**Instructions**:
1. Review the suggestion in detail and assess how it aligns with the current execution results and the overall goal.
2. Determine which changes directly contribute to achieving the goal and prioritize them.
3. Suggest modifications to existing steps or introduce new steps to incorporate the suggestion.
4. Do not reference output variables from already executed steps if those variables have been garbage collected.
5. Integrate the changes into the original plan starting from the current program counter. Preserve all steps prior to the current program counter without alteration.
6. Do not generate an identical plan. The updated plan must include at least some meaningful changes.

`)
	fmt.Fprintf(&b, "**MUST follow VM Specification**:\n%s\n\n", vmSpec)
	fmt.Fprintf(&b, "## Available Tools for `calling` instruction\n%s\n\n", toolCatalog)
	b.WriteString("-------------------------------\n\nNow, let's update the plan.\n\n")
	b.WriteString(responseFormatInstruction)
	return b.String()
}

// StepUpdatePrompt builds the single-step replacement prompt.
func StepUpdatePrompt(current Step, variables map[string]any, vmSpec, toolCatalog, suggestion string) string {
	stepJSON, _ := json.MarshalIndent(current, "", "  ")
	varsJSON, _ := json.MarshalIndent(variables, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s\n", today())
	b.WriteString("You are tasked with updating a specific step in the VM execution plan.\n\n")
	fmt.Fprintf(&b, "Current Step (seq_no: %d):\n%s\n\n", current.SeqNo, stepJSON)
	fmt.Fprintf(&b, "Current VM Variables:\n%s\n\n", varsJSON)
	fmt.Fprintf(&b, "Suggestion for Improvement:\n%s\n\n", suggestion)
	fmt.Fprintf(&b, "**MUST follow the Specification**:\n%s\n\n", vmSpec)
	fmt.Fprintf(&b, "## Available Tools for `calling` instruction\n%s\n\n", toolCatalog)
	b.WriteString(`-------------------------------

Now, let's update the step.
1. Analyze the current step, the provided suggestion, and the current VM variables.
2. Modify the step to incorporate the suggestion while keeping it aligned with the overall goal and plan structure.
3. Ensure the updated step is consistent with the VM's current state and does not introduce redundancy.

**Output**:
Provide only the updated step in JSON format.
`)
	return b.String()
}

// ShouldUpdatePrompt asks whether a suggestion warrants replanning.
func ShouldUpdatePrompt(goal string, programCounter int, current Plan, variables map[string]any, suggestion string) string {
	planJSON, _ := json.MarshalIndent(current, "", "  ")
	varsJSON, _ := json.MarshalIndent(variables, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "Current Plan:\n%s\n\n", planJSON)
	fmt.Fprintf(&b, "Current Program Counter: %d\n\n", programCounter)
	fmt.Fprintf(&b, "Current Variables:\n%s\n\n", varsJSON)
	fmt.Fprintf(&b, "Suggestion:\n%s\n\n", suggestion)
	b.WriteString(`Decide whether the remaining plan should be updated to incorporate the suggestion, or whether the current plan already covers it.

Respond with a JSON object:
{
  "should_update": boolean,
  "explanation": string,
  "key_factors": [{"factor": string, "impact": string}]
}
`)
	return b.String()
}
