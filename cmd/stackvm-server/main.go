// stackvm-server hosts the plan execution engine over HTTP. The default
// command starts the API server; the optimize subcommand runs the MCTS
// plan optimizer against an existing task's commit graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"stackvm/internal/branch/pgstore"
	"stackvm/internal/cache"
	"stackvm/internal/config"
	stackvmerrors "stackvm/internal/errors"
	"stackvm/internal/labels"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/mcts"
	"stackvm/internal/metrics"
	"stackvm/internal/plan"
	serverhttp "stackvm/internal/server/http"
	"stackvm/internal/task"
	"stackvm/internal/tools"
	"stackvm/internal/vm"
)

// bestPlanLoadLimit bounds how many cached plans the refresher pulls from
// the store in one pass.
const bestPlanLoadLimit = 1000

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "stackvm-server",
		Short:         "Plan execution engine HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to the YAML config file")

	optimize := &cobra.Command{
		Use:   "optimize <task-id>",
		Short: "Run MCTS plan optimization on a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(args[0])
		},
	}
	root.AddCommand(optimize)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// components holds everything the commands need after bootstrap.
type components struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	store     task.Store
	queue     *task.Queue
	metrics   *metrics.Collector
	service   *task.Service
	evaluator *plan.Evaluator
}

func (c *components) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func buildComponents(ctx context.Context, cfg *config.Config, logger logging.Logger) (*components, error) {
	retryCfg := stackvmerrors.DefaultRetryConfig()
	if cfg.LLM.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.LLM.MaxRetries
	}
	llmCfg := llm.Config{
		Provider:   cfg.LLM.Provider,
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Timeout:    cfg.LLM.TimeoutSeconds,
		MaxRetries: cfg.LLM.MaxRetries,
	}
	newClient := func(model string) (llm.Client, error) {
		client, err := llm.NewOpenAIClient(model, llmCfg)
		if err != nil {
			return nil, fmt.Errorf("build LLM client for %s: %w", model, err)
		}
		return llm.NewRetryClient(client, retryCfg), nil
	}

	planClient, err := newClient(cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	reasonClient, err := newClient(cfg.LLM.ReasoningModel)
	if err != nil {
		return nil, err
	}
	evalClient, err := newClient(cfg.LLM.EvaluationModel)
	if err != nil {
		return nil, err
	}

	var (
		pool       *pgxpool.Pool
		store      task.Store
		labelStore labels.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pgTasks := task.NewPGStore(pool)
		if err := pgTasks.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure task schema: %w", err)
		}
		pgLabels := labels.NewPGStore(pool)
		if err := pgLabels.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure label schema: %w", err)
		}
		if cfg.Backend == "postgres" {
			if err := pgstore.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("ensure commit-graph schema: %w", err)
			}
		}
		if cfg.LabelsSeedPath != "" {
			seed, err := labels.LoadSeedFile(cfg.LabelsSeedPath)
			if err != nil {
				pool.Close()
				return nil, err
			}
			if err := labels.ApplySeed(ctx, pgLabels, seed); err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply labels seed: %w", err)
			}
			logger.Info("Applied labels seed from %s (%d namespaces)", cfg.LabelsSeedPath, len(seed))
		}
		store = pgTasks
		labelStore = pgLabels
	} else {
		logger.Warn("No database configured; task records are in-memory only")
		store = task.NewMemStore()
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewLLMGenerateTool(planClient)); err != nil {
		return nil, err
	}
	if err := registry.Register(tools.NewEchoTool()); err != nil {
		return nil, err
	}

	vmSpec, err := readOptionalFile(cfg.VMSpecPath)
	if err != nil {
		return nil, err
	}
	planExample, err := readOptionalFile(cfg.PlanExamplePath)
	if err != nil {
		return nil, err
	}

	generator := plan.NewGenerator(planClient, registry, vmSpec, planExample)
	optimizer := plan.NewOptimizer(reasonClient, registry, vmSpec)
	evaluator := plan.NewEvaluator(evalClient)

	planCache := cache.NewPlanCache(func(ctx context.Context) ([]cache.Entry, error) {
		tasks, err := store.ListBestPlans(ctx, bestPlanLoadLimit, 0)
		if err != nil {
			return nil, err
		}
		entries := make([]cache.Entry, 0, len(tasks))
		for _, t := range tasks {
			entries = append(entries, cache.Entry{
				Goal:           t.Goal,
				ResponseFormat: t.ResponseFormat(),
				BestPlan:       t.BestPlan,
			})
		}
		return entries, nil
	}, cfg.BestPlanCacheSimilarity)
	planCache.StartRefresher(ctx)

	var classifier *labels.Classifier
	if labelStore != nil {
		classifier = labels.NewClassifier(labelStore, planClient)
	}

	queue := task.NewQueue(cfg.Queue.Workers, cfg.Queue.Timeout)
	queue.Start(ctx)

	collector := metrics.NewCollector(func() float64 {
		return float64(queue.Len())
	})

	service := task.NewService(cfg, task.ServiceOptions{
		Store:        store,
		LabelStore:   labelStore,
		Pool:         pool,
		Registry:     registry,
		PlanClient:   planClient,
		ReasonClient: reasonClient,
		Generator:    generator,
		Optimizer:    optimizer,
		PlanCache:    planCache,
		Classifier:   classifier,
		Queue:        queue,
	})

	return &components{
		cfg:       cfg,
		pool:      pool,
		store:     store,
		queue:     queue,
		metrics:   collector,
		service:   service,
		evaluator: evaluator,
	}, nil
}

func runServe() error {
	logger := logging.NewComponentLogger("Main")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger.Info("Backend: %s", cfg.Backend)
	logger.Info("LLM provider: %s, model: %s", cfg.LLM.Provider, cfg.LLM.Model)
	logger.Info("Queue workers: %d", cfg.Queue.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	router := serverhttp.NewRouter(comps.service, serverhttp.RouterConfig{
		CORSOrigins:  cfg.CORSOrigins,
		GeneratedDir: cfg.GeneratedFilesDir,
		Metrics:      comps.metrics,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Streaming responses stay open as long as execution runs.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func runOptimize(taskID string) error {
	logger := logging.NewComponentLogger("Main")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Runtime write operations serialize themselves; holding the runtime
	// lock here would deadlock the optimizer's Update/ReExecute calls.
	rt, err := comps.service.Runtime(ctx, taskID)
	if err != nil {
		return err
	}

	status, err := evaluateHeadAnswer(ctx, rt, comps.evaluator)
	if err != nil {
		return err
	}
	if status == task.EvalApproved {
		logger.Info("Task %s answer approved, no optimization needed", taskID)
		return nil
	}

	if err := runSearch(ctx, logger, rt, comps.evaluator); err != nil {
		if recErr := rt.RecordHumanEvaluation(ctx, task.EvalWaiting, err.Error()); recErr != nil {
			logger.Error("Failed to record human evaluation for %s: %v", taskID, recErr)
		}
		return err
	}
	return nil
}

// evaluateHeadAnswer judges the answer at the main branch tip and records
// the verdict on the task: approved, or waiting for evaluation with the
// evaluation JSON as reason.
func evaluateHeadAnswer(ctx context.Context, rt *task.Runtime, evaluator *plan.Evaluator) (task.EvaluationStatus, error) {
	tip, err := rt.Manager().LatestCommit("main")
	if err != nil {
		return "", err
	}
	state, err := vm.DecodeState(tip.VMState)
	if err != nil || state == nil || len(state.CurrentPlan) == 0 {
		return task.EvalRejected, rt.RecordEvaluation(ctx, task.EvalRejected, "No plan found")
	}
	answer, ok := state.FinalAnswer()
	if !ok {
		return task.EvalWaiting, rt.RecordEvaluation(ctx, task.EvalWaiting, "No final answer found")
	}

	planJSON, _ := json.Marshal(state.CurrentPlan)
	evaluation, err := evaluator.EvaluateAnswer(ctx, rt.Task().DescribeGoal(), answer, string(planJSON))
	if err != nil {
		return "", err
	}
	status := task.EvalWaiting
	if evaluation.Accept {
		status = task.EvalApproved
	}
	reason, _ := json.MarshalIndent(evaluation, "", "  ")
	return status, rt.RecordEvaluation(ctx, status, string(reason))
}

func runSearch(ctx context.Context, logger logging.Logger, rt *task.Runtime, evaluator *plan.Evaluator) error {
	opt, err := mcts.NewOptimizer(ctx, rt, evaluator, mcts.Options{})
	if err != nil {
		return err
	}

	leaves := opt.Optimize(ctx)
	logger.Info("Optimization explored %d terminal states", len(leaves))

	ranked, err := opt.SortFinalAnswers(ctx)
	if err != nil {
		return err
	}
	for i, answer := range ranked {
		logger.Info("#%d (%.2f) commit %s: %s", i+1, answer.Score, answer.CommitHash, answer.FinalAnswer)
	}

	best, err := opt.PromoteBest(ctx)
	if err != nil {
		return err
	}
	if best != nil {
		logger.Info("Saved best plan from commit %s", best.CommitHash)
	}
	return nil
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
