// Package plan defines the typed instruction sequences the VM executes and
// the parsing of LLM output into them.
package plan

import (
	"encoding/json"
	"fmt"
)

// Instruction types.
const (
	TypeCalling   = "calling"
	TypeJmp       = "jmp"
	TypeAssign    = "assign"
	TypeReasoning = "reasoning"
)

// Step is one element of a plan.
type Step struct {
	SeqNo      int            `json:"seq_no"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// Plan is an ordered list of steps.
type Plan []Step

// FindIndex returns the index of the step with the given seq_no, or -1.
func (p Plan) FindIndex(seqNo int) int {
	for i, step := range p {
		if step.SeqNo == seqNo {
			return i
		}
	}
	return -1
}

// Validate checks that seq_no values are unique and step types are non-empty.
func (p Plan) Validate() error {
	seen := make(map[int]bool, len(p))
	for _, step := range p {
		if step.Type == "" {
			return fmt.Errorf("step %d has no type", step.SeqNo)
		}
		if seen[step.SeqNo] {
			return fmt.Errorf("duplicate seq_no %d", step.SeqNo)
		}
		seen[step.SeqNo] = true
	}
	return nil
}

// Clone returns a deep copy of the plan via JSON round-trip. Parameters hold
// arbitrary nested values, so a structural copy is the safe option.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// ToolName returns the tool_name parameter for calling steps.
func (s Step) ToolName() string {
	name, _ := s.Parameters["tool_name"].(string)
	return name
}

// ToolParams returns the tool_params mapping for calling steps, or nil.
func (s Step) ToolParams() map[string]any {
	params, _ := s.Parameters["tool_params"].(map[string]any)
	return params
}

// OutputVars returns the declared output variable names for calling steps.
func (s Step) OutputVars() ([]string, bool) {
	raw, ok := s.Parameters["output_vars"]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, false
			}
			names = append(names, name)
		}
		return names, true
	default:
		return nil, false
	}
}

// ScanParams returns the parameter values a reference scan should inspect:
// tool_params values for calling steps, all parameter values otherwise.
func (s Step) ScanParams() map[string]any {
	if s.Parameters == nil {
		return nil
	}
	if _, hasToolParams := s.Parameters["tool_params"]; s.Type == TypeCalling || hasToolParams {
		return s.ToolParams()
	}
	return s.Parameters
}

// FromJSON decodes a plan from a JSON array.
func FromJSON(data []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
