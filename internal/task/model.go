// Package task orchestrates plan execution: it owns the task records, the
// per-task runtime that drives the VM, the background work queue, and the
// glue between plan generation, the commit graph, and persistence.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeleted    Status = "deleted"
)

// EvaluationStatus tracks answer review, both the automated pass and the
// human one.
type EvaluationStatus string

const (
	EvalNotEvaluated EvaluationStatus = "NOT_EVALUATED"
	EvalWaiting      EvaluationStatus = "WAITING_FOR_EVALUATION"
	EvalApproved     EvaluationStatus = "APPROVED"
	EvalRejected     EvaluationStatus = "REJECTED"
)

// ParseEvaluationStatus accepts a status in any letter case.
func ParseEvaluationStatus(value string) (EvaluationStatus, bool) {
	switch EvaluationStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case EvalNotEvaluated:
		return EvalNotEvaluated, true
	case EvalWaiting:
		return EvalWaiting, true
	case EvalApproved:
		return EvalApproved, true
	case EvalRejected:
		return EvalRejected, true
	default:
		return "", false
	}
}

// Task is the persisted task record.
type Task struct {
	ID                    string           `json:"id"`
	Goal                  string           `json:"goal"`
	Status                Status           `json:"status"`
	Logs                  string           `json:"logs,omitempty"`
	Meta                  map[string]any   `json:"meta,omitempty"`
	Namespace             string           `json:"namespace_name,omitempty"`
	BestPlan              json.RawMessage  `json:"best_plan,omitempty"`
	RepoPath              string           `json:"repo_path,omitempty"`
	LabelID               *int64           `json:"label_id,omitempty"`
	EvaluationStatus      EvaluationStatus `json:"evaluation_status"`
	EvaluationReason      string           `json:"evaluation_reason,omitempty"`
	HumanEvaluationStatus EvaluationStatus `json:"human_evaluation_status"`
	HumanFeedback         string           `json:"human_feedback,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// DescribeGoal renders the goal with its response format appended, the form
// prompts expect.
func (t *Task) DescribeGoal() string {
	rf := t.ResponseFormat()
	if len(rf) == 0 {
		return t.Goal
	}
	raw, _ := json.Marshal(rf)
	return t.Goal + " " + string(raw)
}

// ResponseFormat extracts the parsed response-format map from Meta.
func (t *Task) ResponseFormat() map[string]string {
	if t.Meta == nil {
		return nil
	}
	raw, ok := t.Meta["response_format"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case map[string]string:
		return value
	case map[string]any:
		out := make(map[string]string, len(value))
		for k, v := range value {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
