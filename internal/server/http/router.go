package http

import (
	"net/http"
	"strings"

	"stackvm/internal/logging"
	"stackvm/internal/metrics"
	"stackvm/internal/task"
)

// RouterConfig carries what the router needs beyond the task service.
type RouterConfig struct {
	CORSOrigins  []string
	GeneratedDir string
	Metrics      *metrics.Collector
}

// NewRouter wires every endpoint with logging, CORS, and metrics
// middleware applied.
func NewRouter(service *task.Service, cfg RouterConfig) http.Handler {
	logger := logging.NewComponentLogger("Router")
	apiHandler := NewAPIHandler(service, cfg.GeneratedDir)
	streamHandler := NewStreamHandler(service)

	mux := http.NewServeMux()

	mux.Handle("/api/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		apiHandler.HandleListTasks(w, r)
	}))

	mux.Handle("/api/tasks/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")

		if path == "evaluation" {
			apiHandler.HandleEvaluationList(w, r)
			return
		}

		segments := strings.Split(path, "/")
		taskID := segments[0]
		if taskID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch {
		case len(segments) == 1:
			apiHandler.HandleGetTask(w, r, taskID)

		case len(segments) == 2 && segments[1] == "branches":
			apiHandler.HandleGetBranches(w, r, taskID)

		case len(segments) == 3 && segments[1] == "branches" && r.Method == http.MethodDelete:
			apiHandler.HandleDeleteBranch(w, r, taskID, segments[2])

		case len(segments) == 4 && segments[1] == "branches" && segments[3] == "details":
			apiHandler.HandleBranchDetails(w, r, taskID, segments[2])

		case len(segments) == 4 && segments[1] == "branches" && segments[3] == "answer_detail":
			apiHandler.HandleAnswerDetail(w, r, taskID, segments[2])

		case len(segments) == 4 && segments[1] == "commits" && segments[3] == "detail":
			apiHandler.HandleCommitDetail(w, r, taskID, segments[2])

		case len(segments) == 4 && segments[1] == "commits" && segments[3] == "diff":
			apiHandler.HandleCommitDiff(w, r, taskID, segments[2])

		case len(segments) == 4 && segments[1] == "commits" && segments[3] == "save_best_plan" && r.Method == http.MethodPost:
			apiHandler.HandleSaveBestPlan(w, r, taskID, segments[2])

		case len(segments) == 2 && segments[1] == "set_branch" && r.Method == http.MethodPost:
			apiHandler.HandleSetBranch(w, r, taskID)

		case len(segments) == 2 && segments[1] == "update" && r.Method == http.MethodPost:
			apiHandler.HandleUpdate(w, r, taskID)

		case len(segments) == 2 && segments[1] == "dynamic_update" && r.Method == http.MethodPost:
			apiHandler.HandleDynamicUpdate(w, r, taskID)

		case len(segments) == 2 && segments[1] == "optimize_step" && r.Method == http.MethodPost:
			apiHandler.HandleOptimizeStep(w, r, taskID)

		case len(segments) == 2 && segments[1] == "re_execute" && r.Method == http.MethodPost:
			apiHandler.HandleReExecute(w, r, taskID)

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}))

	mux.Handle("/api/best_plans", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiHandler.HandleBestPlans(w, r)
	}))

	mux.Handle("/api/stream_execute_vm", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		streamHandler.HandleStreamExecute(w, r)
	}))

	mux.Handle("/api/download/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filename := strings.TrimPrefix(r.URL.Path, "/api/download/")
		apiHandler.HandleDownload(w, r, filename)
	}))

	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	}))

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = cfg.Metrics.Middleware(handler)
	}
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(cfg.CORSOrigins)(handler)
	return handler
}
