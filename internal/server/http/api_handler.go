package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stackvm/internal/branch"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/task"
)

// APIHandler serves the JSON task API.
type APIHandler struct {
	service      *task.Service
	generatedDir string
	logger       logging.Logger
}

// NewAPIHandler builds the handler over the task service.
func NewAPIHandler(service *task.Service, generatedDir string) *APIHandler {
	return &APIHandler{
		service:      service,
		generatedDir: generatedDir,
		logger:       logging.NewComponentLogger("API"),
	}
}

func taskEnvelope(t *task.Task) map[string]any {
	return map[string]any{
		"id":                      t.ID,
		"goal":                    t.Goal,
		"status":                  t.Status,
		"created_at":              t.CreatedAt,
		"updated_at":              t.UpdatedAt,
		"logs":                    t.Logs,
		"best_plan":               t.BestPlan,
		"metadata":                t.Meta,
		"evaluation_status":       t.EvaluationStatus,
		"evaluation_reason":       t.EvaluationReason,
		"human_evaluation_status": t.HumanEvaluationStatus,
		"human_feedback":          t.HumanFeedback,
		"namespace":               t.Namespace,
		"repo_path":               t.RepoPath,
	}
}

func (h *APIHandler) statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, branch.ErrBranchNotFound),
		errors.Is(err, branch.ErrCommitNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// HandleListTasks serves GET /api/tasks.
func (h *APIHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)

	tasks, err := h.service.ListTasks(r.Context(), limit, offset)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, fmt.Sprintf("Error fetching tasks: %v", err))
		return
	}
	envelopes := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		envelopes = append(envelopes, taskEnvelope(t))
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"tasks":      envelopes,
		"pagination": map[string]int{"limit": limit, "offset": offset},
	})
}

// HandleEvaluationList serves GET /api/tasks/evaluation.
func (h *APIHandler) HandleEvaluationList(w http.ResponseWriter, r *http.Request) {
	endTime := time.Now().UTC()
	if raw := r.URL.Query().Get("end_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid 'end_time' format. Expected ISO format.")
			return
		}
		endTime = parsed
	}
	startTime := endTime.Add(-48 * time.Hour)
	if raw := r.URL.Query().Get("start_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid 'start_time' format. Expected ISO format.")
			return
		}
		startTime = parsed
	}

	var statuses []task.EvaluationStatus
	if raw := r.URL.Query().Get("evaluation_status"); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status, ok := task.ParseEvaluationStatus(value)
			if !ok {
				writeJSONError(w, h.logger, http.StatusBadRequest,
					fmt.Sprintf("Invalid 'evaluation_status' value: %q", value))
				return
			}
			statuses = append(statuses, status)
		}
	}

	tasks, err := h.service.ListEvaluation(r.Context(), task.EvaluationFilter{
		StartTime: startTime,
		EndTime:   endTime,
		Statuses:  statuses,
	})
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, fmt.Sprintf("Error fetching tasks: %v", err))
		return
	}
	envelopes := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		envelopes = append(envelopes, taskEnvelope(t))
	}
	writeJSON(w, h.logger, http.StatusOK, envelopes)
}

// HandleGetTask serves GET /api/tasks/{id}.
func (h *APIHandler) HandleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, taskEnvelope(t))
}

// HandleGetBranches serves GET /api/tasks/{id}/branches.
func (h *APIHandler) HandleGetBranches(w http.ResponseWriter, r *http.Request, taskID string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	branches, err := rt.Manager().ListBranches()
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("Error fetching branches for task %q: %v", taskID, err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, branches)
}

// HandleBranchDetails serves GET /api/tasks/{id}/branches/{branch}/details.
func (h *APIHandler) HandleBranchDetails(w http.ResponseWriter, r *http.Request, taskID, branchName string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSON(w, h.logger, http.StatusOK, []branch.Commit{})
		return
	}
	commits, err := rt.Manager().GetCommits(branchName)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("Unexpected error fetching VM state for branch %s for task %s: %v", branchName, taskID, err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, commits)
}

// HandleAnswerDetail serves GET /api/tasks/{id}/branches/{branch}/answer_detail.
func (h *APIHandler) HandleAnswerDetail(w http.ResponseWriter, r *http.Request, taskID, branchName string) {
	t, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	commit, err := rt.Manager().LatestCommit(branchName)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusNotFound,
			fmt.Sprintf("Final answer detail not found for branch %s for task %s", branchName, taskID))
		return
	}
	envelope := taskEnvelope(t)
	envelope["vm_state"] = commit.VMState
	writeJSON(w, h.logger, http.StatusOK, envelope)
}

// HandleCommitDetail serves GET /api/tasks/{id}/commits/{hash}/detail.
func (h *APIHandler) HandleCommitDetail(w http.ResponseWriter, r *http.Request, taskID, hash string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	commit, err := rt.Manager().GetCommit(hash)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err),
			fmt.Sprintf("VM state not found for commit %s for task %s", hash, taskID))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, commit)
}

// HandleCommitDiff serves GET /api/tasks/{id}/commits/{hash}/diff.
func (h *APIHandler) HandleCommitDiff(w http.ResponseWriter, r *http.Request, taskID, hash string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	diff, err := rt.Manager().StateDiff(hash)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusNotFound,
			fmt.Sprintf("Error generating diff for commit %s for task %q: %v", hash, taskID, err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"diff": diff})
}

// HandleSaveBestPlan serves POST /api/tasks/{id}/commits/{hash}/save_best_plan.
func (h *APIHandler) HandleSaveBestPlan(w http.ResponseWriter, r *http.Request, taskID, hash string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	if err := rt.SaveBestPlan(r.Context(), hash); err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save best plan for task %s from commit hash %s", taskID, hash))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]bool{"success": true})
}

// HandleSetBranch serves POST /api/tasks/{id}/set_branch.
func (h *APIHandler) HandleSetBranch(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		BranchName string `json:"branch_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.BranchName == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing 'branch_name' parameter")
		return
	}
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	if err := rt.Manager().CheckoutBranch(body.BranchName); err != nil {
		writeJSONError(w, h.logger, h.statusFor(err),
			fmt.Sprintf("Error switching to branch %s: %v", body.BranchName, err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Switched to branch %s for task %q", body.BranchName, taskID),
	})
}

// HandleDeleteBranch serves DELETE /api/tasks/{id}/branches/{name}.
func (h *APIHandler) HandleDeleteBranch(w http.ResponseWriter, r *http.Request, taskID, branchName string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	if err := rt.Manager().DeleteBranch(branchName); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest,
			fmt.Sprintf("Error deleting branch %s: %v", branchName, err))
		return
	}
	active, err := rt.Manager().CurrentBranch()
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("Error resolving active branch for task %q: %v", taskID, err))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"success":           true,
		"message":           fmt.Sprintf("Branch %s deleted successfully for task %q", branchName, taskID),
		"new_active_branch": active,
	})
}

// HandleUpdate serves POST /api/tasks/{id}/update. The rewrite is queued;
// the response names the branch the update will land on.
func (h *APIHandler) HandleUpdate(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		CommitHash   string `json:"commit_hash"`
		Suggestion   string `json:"suggestion"`
		FromScratch  bool   `json:"from_scratch"`
		SourceBranch string `json:"source_branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Suggestion == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing required parameters: suggestion")
		return
	}
	h.enqueueUpdate(w, r, taskID, "plan_update", body.CommitHash, body.Suggestion, body.FromScratch, body.SourceBranch)
}

// HandleDynamicUpdate serves POST /api/tasks/{id}/dynamic_update. The
// queued work first asks the optimizer whether replanning is warranted and
// only then rewrites the tail.
func (h *APIHandler) HandleDynamicUpdate(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		CommitHash string `json:"commit_hash"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Suggestion == "" || body.CommitHash == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing required parameters")
		return
	}
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	branchName := "dynamic_plan_" + time.Now().Format("20060102_150405")
	h.service.Queue().Add(taskID, "dynamic_plan", func(ctx context.Context) error {
		_, err := rt.DynamicUpdate(ctx, branchName, body.CommitHash, body.Suggestion)
		return err
	}, time.Now())
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"success":        true,
		"current_branch": branchName,
	})
}

func (h *APIHandler) enqueueUpdate(w http.ResponseWriter, r *http.Request, taskID, prefix, commitHash, suggestion string, fromScratch bool, sourceBranch string) {
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	branchName := prefix + "_" + time.Now().Format("20060102_150405")
	h.service.Queue().Add(taskID, prefix, func(ctx context.Context) error {
		_, err := rt.Update(ctx, branchName, commitHash, suggestion, fromScratch, sourceBranch)
		return err
	}, time.Now())
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"success":        true,
		"current_branch": branchName,
	})
}

// HandleOptimizeStep serves POST /api/tasks/{id}/optimize_step.
func (h *APIHandler) HandleOptimizeStep(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		CommitHash string          `json:"commit_hash"`
		Suggestion string          `json:"suggestion"`
		SeqNo      json.RawMessage `json:"seq_no"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.CommitHash == "" || body.Suggestion == "" || len(body.SeqNo) == 0 {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing required parameters")
		return
	}
	seqNo, err := strconv.Atoi(strings.Trim(string(body.SeqNo), `"`))
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid 'seq_no' parameter")
		return
	}
	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	h.service.Queue().Add(taskID, "optimize_step", func(ctx context.Context) error {
		_, err := rt.OptimizeStep(ctx, body.CommitHash, seqNo, body.Suggestion)
		return err
	}, time.Now())
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"success": true})
}

// HandleReExecute serves POST /api/tasks/{id}/re_execute. Runs inline and
// returns the final answer when the replay completes.
func (h *APIHandler) HandleReExecute(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		CommitHash string    `json:"commit_hash"`
		Reasoning  string    `json:"reasoning"`
		Plan       plan.Plan `json:"plan"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rt, err := h.service.Runtime(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, h.logger, h.statusFor(err), fmt.Sprintf("Task with ID %s not found.", taskID))
		return
	}
	result, err := rt.ReExecute(r.Context(), body.Reasoning, body.CommitHash, body.Plan)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("Failed to re-execute task %s.", taskID))
		return
	}
	if !result.Completed {
		writeJSONError(w, h.logger, http.StatusInternalServerError,
			fmt.Sprintf("re-execute task %s, goal not completed", taskID))
		return
	}
	if result.FinalAnswer == "" {
		writeJSON(w, h.logger, http.StatusOK,
			fmt.Sprintf("re-execute task %s, it completed, but not found final answer", taskID))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{
		"final_answer": result.FinalAnswer,
		"branch_name":  result.BranchName,
	})
}

// HandleBestPlans serves GET /api/best_plans.
func (h *APIHandler) HandleBestPlans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)

	tasks, total, err := h.service.ListBestPlans(r.Context(), limit, offset)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, fmt.Sprintf("Error fetching best plans: %v", err))
		return
	}
	plans := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		labelPath := []any{}
		if t.Meta != nil {
			if path, ok := t.Meta["label_path"].([]any); ok {
				labelPath = path
			}
		}
		plans = append(plans, map[string]any{
			"id":         t.ID,
			"goal":       t.Goal,
			"best_plan":  t.BestPlan,
			"label_path": labelPath,
		})
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"best_plans": plans,
		"pagination": map[string]int{"limit": limit, "offset": offset, "total": total},
	})
}

// HandleDownload serves GET /api/download/{filename}.
func (h *APIHandler) HandleDownload(w http.ResponseWriter, r *http.Request, filename string) {
	name := filepath.Base(filename)
	if name == "." || name == ".." || name == "/" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid filename")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, filepath.Join(h.generatedDir, name))
}
