package vm

import (
	"encoding/json"

	"stackvm/internal/plan"
)

// State is the serializable VM snapshot stored in every commit.
type State struct {
	Goal           string         `json:"goal"`
	CurrentPlan    plan.Plan      `json:"current_plan"`
	Reasoning      string         `json:"reasoning"`
	ProgramCounter int            `json:"program_counter"`
	GoalCompleted  bool           `json:"goal_completed"`
	Errors         []any          `json:"errors"`
	Msgs           []any          `json:"msgs"`
	Variables      map[string]any `json:"variables"`
	VariableRefs   map[string]int `json:"variables_refs"`
}

// NewState returns an empty snapshot for a fresh task.
func NewState(goal string) *State {
	return &State{
		Goal:         goal,
		CurrentPlan:  plan.Plan{},
		Errors:       []any{},
		Msgs:         []any{},
		Variables:    map[string]any{},
		VariableRefs: map[string]int{},
	}
}

// DecodeState parses a snapshot from its JSON form.
func DecodeState(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	if s.VariableRefs == nil {
		s.VariableRefs = map[string]int{}
	}
	return &s, nil
}

// Encode serializes the snapshot. Nil collections are normalized so the
// stored document always carries explicit empty values.
func (s *State) Encode() (json.RawMessage, error) {
	if s.CurrentPlan == nil {
		s.CurrentPlan = plan.Plan{}
	}
	if s.Errors == nil {
		s.Errors = []any{}
	}
	if s.Msgs == nil {
		s.Msgs = []any{}
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	if s.VariableRefs == nil {
		s.VariableRefs = map[string]int{}
	}
	return json.Marshal(s)
}

// FinalAnswer returns the final_answer variable as a string, if set.
func (s *State) FinalAnswer() (string, bool) {
	value, ok := s.Variables["final_answer"]
	if !ok || value == nil {
		return "", false
	}
	return Stringify(value), true
}
