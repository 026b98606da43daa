package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stackvm/internal/async"
	"stackvm/internal/goalparse"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/task"
	"stackvm/internal/tools"
	"stackvm/internal/vm"
)

const streamPollInterval = time.Second

// StreamHandler serves POST /api/stream_execute_vm: it creates a task from
// the submitted goal and streams the whole execution as typed events.
type StreamHandler struct {
	service *task.Service
	logger  logging.Logger
}

// NewStreamHandler builds the handler over the task service.
func NewStreamHandler(service *task.Service) *StreamHandler {
	return &StreamHandler{
		service: service,
		logger:  logging.NewComponentLogger("StreamAPI"),
	}
}

func parseResponseFormat(raw any) (map[string]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return nil, nil
		}
		var parsed map[string]string
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return nil, fmt.Errorf("response format must be a JSON object")
		}
		return parsed, nil
	case map[string]any:
		parsed := make(map[string]string, len(value))
		for k, v := range value {
			if s, ok := v.(string); ok {
				parsed[k] = s
			} else {
				encoded, _ := json.Marshal(v)
				parsed[k] = string(encoded)
			}
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("response format must be a JSON object")
	}
}

// HandleStreamExecute validates the goal, creates the task, then hands the
// connection over to the streaming execution loop.
func (h *StreamHandler) HandleStreamExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Goal           string `json:"goal"`
		ResponseFormat any    `json:"response_format"`
		NamespaceName  string `json:"namespace_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Goal == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing 'goal' parameter")
		return
	}

	responseFormat, err := parseResponseFormat(body.ResponseFormat)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid response format, it should be a json object")
		return
	}
	cleanGoal := body.Goal
	if len(responseFormat) == 0 {
		cleanGoal, responseFormat = goalparse.Parse(body.Goal)
	}
	if cleanGoal == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid goal format")
		return
	}
	h.logger.Info("Receive goal: %s with response format: %v", cleanGoal, responseFormat)

	stream := NewStreamWriter(w, h.logger)

	meta := map[string]any{}
	if len(responseFormat) > 0 {
		meta["response_format"] = responseFormat
	}
	t, err := h.service.CreateTask(r.Context(), cleanGoal, meta, body.NamespaceName)
	if err != nil {
		stream.ErrorPart(fmt.Sprintf("Error during goal initialization: %v", err))
		return
	}
	rt, err := h.service.Runtime(r.Context(), t.ID)
	if err != nil {
		stream.ErrorPart(fmt.Sprintf("Error during goal initialization: %v", err))
		stream.Finish("error", "")
		return
	}

	rt.Lock()
	defer rt.Unlock()
	h.run(r.Context(), stream, rt)
}

func (h *StreamHandler) run(ctx context.Context, stream *StreamWriter, rt *task.Runtime) {
	taskID := rt.Task().ID
	h.logger.Info("Starting VM execution with goal: %s", rt.Task().Goal)

	parsed, err := rt.GeneratePlan(ctx)
	if err != nil {
		var unavailable *plan.UnavailableError
		if errors.As(err, &unavailable) {
			// The model could not produce a plan. Tell the client in plain
			// text and close the task as completed with the reason in logs.
			stream.TextPart(err.Error())
			stream.Finish("stop", err.Error())
			record := rt.Task()
			record.Status = task.StatusCompleted
			record.Logs = err.Error()
			if saveErr := h.service.Store().Save(ctx, record); saveErr != nil {
				h.logger.Error("Failed to save task %s: %v", taskID, saveErr)
			}
			return
		}
		message := fmt.Sprintf("Failed to generate plan: %v", err)
		stream.ErrorPart(message)
		stream.Finish("error", "")
		rt.MarkFailed(context.Background(), "Error during VM execution: "+message)
		return
	}

	engine, err := rt.NewEngine()
	if err != nil {
		stream.ErrorPart(err.Error())
		stream.Finish("error", "")
		rt.MarkFailed(context.Background(), "Error during VM execution: "+err.Error())
		return
	}
	if _, err := rt.AttachPlan(engine, parsed); err != nil {
		stream.ErrorPart(err.Error())
		stream.Finish("error", "")
		rt.MarkFailed(context.Background(), "Error during VM execution: "+err.Error())
		return
	}

	branchName, err := rt.Manager().CurrentBranch()
	if err != nil {
		branchName = ""
	}

	planJSON, _ := json.Marshal(parsed.Plan)
	h.logger.Info("Generated Plan: %s", planJSON)
	// The generated plan goes out as a data part so clients can render it
	// before execution starts.
	stream.DataPart([]map[string]any{{"plan": parsed.Plan}})

	streamingSteps := h.streamingSteps(engine)
	h.logger.Info("Streaming response steps: %v", streamingSteps)

	alreadyStreamed := false
	finalAnswer := ""

	for {
		if ctx.Err() != nil {
			h.disconnect(rt)
			return
		}

		state := engine.State()
		seqNo := -1
		var current *plan.Step
		if state.ProgramCounter >= 0 && state.ProgramCounter < len(state.CurrentPlan) {
			current = &state.CurrentPlan[state.ProgramCounter]
			seqNo = current.SeqNo
		}

		if current != nil && current.Type == plan.TypeCalling {
			stream.ToolCall(seqNo, current.ToolName(), current.ToolParams())
		}

		var outcome vm.StepOutcome
		if containsInt(streamingSteps, seqNo) {
			outcome, alreadyStreamed = h.runStreamedStep(ctx, stream, engine)
		} else {
			outcome = engine.Step(ctx, vm.StepOptions{})
		}

		if ctx.Err() != nil {
			h.disconnect(rt)
			return
		}
		if !outcome.Success {
			stream.State(taskID, branchName, seqNo, engine.State())
			stream.ErrorPart(outcome.Error)
			stream.Finish("error", "")
			rt.MarkFailed(ctx, "Error during VM execution: "+outcome.Error)
			return
		}

		if outcome.StepType == plan.TypeCalling {
			stream.ToolResult(outcome.SeqNo, outcome.Output)
		}
		stream.State(taskID, branchName, seqNo, engine.State())
		stream.StepFinish(outcome.SeqNo)

		if engine.State().GoalCompleted {
			h.logger.Info("Goal completed during plan execution.")
			if answer, ok := engine.State().FinalAnswer(); ok {
				finalAnswer = answer
				if !alreadyStreamed {
					streamSentences(stream, finalAnswer)
				}
			}
			if err := rt.MarkCompleted(ctx); err != nil {
				h.logger.Error("Failed to save task %s: %v", taskID, err)
			}
			break
		}
	}

	stream.Finish("stop", finalAnswer)
}

// runStreamedStep executes one step on a worker goroutine while draining
// its stream queue onto the wire with a one-second poll.
func (h *StreamHandler) runStreamedStep(ctx context.Context, stream *StreamWriter, engine *vm.Engine) (vm.StepOutcome, bool) {
	queue := make(tools.StreamQueue, 256)
	done := make(chan vm.StepOutcome, 1)
	streamed := false

	async.Go(h.logger, "stream-step", func() {
		done <- engine.Step(ctx, vm.StepOptions{StreamQueue: queue})
	})

	for {
		select {
		case chunk := <-queue:
			stream.TextPart(chunk)
			streamed = true
		case outcome := <-done:
			for {
				select {
				case chunk := <-queue:
					stream.TextPart(chunk)
					streamed = true
				default:
					return outcome, streamed
				}
			}
		case <-time.After(streamPollInterval):
		}
	}
}

// streamingSteps picks the steps whose outputs feed final_answer, so their
// text can stream live. A templated or variable-free final answer streams
// its own step; a single-variable one streams that variable's producers.
func (h *StreamHandler) streamingSteps(engine *vm.Engine) []int {
	structure := engine.ParseFinalAnswer()
	if structure == nil {
		return nil
	}
	if structure.IsTemplate || len(structure.Variables) == 0 {
		return []int{structure.SeqNo}
	}
	if len(structure.Variables) == 1 {
		deps := engine.ParseDependencies(structure.Variables)
		return deps[structure.Variables[0]]
	}
	return nil
}

func (h *StreamHandler) disconnect(rt *task.Runtime) {
	h.logger.Info("Client disconnected (%s). Cleaning up.", rt.Task().ID)
	rt.MarkFailed(context.Background(), "Execution was interrupted by the client.")
}

func streamSentences(stream *StreamWriter, answer string) {
	for _, chunk := range strings.Split(answer, ". ") {
		if chunk == "" {
			continue
		}
		if !strings.HasSuffix(chunk, ".") {
			chunk += ". "
		}
		stream.TextPart(chunk)
	}
}

func containsInt(values []int, target int) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
