package task

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgxpool"

	"stackvm/internal/branch"
	"stackvm/internal/branch/gitstore"
	"stackvm/internal/branch/pgstore"
	"stackvm/internal/cache"
	"stackvm/internal/config"
	"stackvm/internal/labels"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/plan"
	"stackvm/internal/tools"
)

const (
	runtimeCacheSize = 256
	runtimeCacheTTL  = 30 * time.Minute
)

// ServiceOptions carries the shared components a Service wires into every
// runtime.
type ServiceOptions struct {
	Store      Store
	LabelStore labels.Store
	// Pool backs the postgres commit-graph store. Required for that backend.
	Pool         *pgxpool.Pool
	Registry     *tools.Registry
	PlanClient   llm.Client
	ReasonClient llm.Client
	Generator    *plan.Generator
	Optimizer    *plan.Optimizer
	PlanCache    *cache.PlanCache
	Classifier   *labels.Classifier
	Queue        *Queue
}

// Service owns task records and hands out per-task runtimes. Runtimes are
// cached so concurrent requests for one task share a single lock and commit
// graph handle.
type Service struct {
	cfg    *config.Config
	opts   ServiceOptions
	logger logging.Logger

	mu       sync.Mutex
	runtimes *expirable.LRU[string, *Runtime]
}

// NewService wires a Service from its configuration and shared components.
func NewService(cfg *config.Config, opts ServiceOptions) *Service {
	return &Service{
		cfg:      cfg,
		opts:     opts,
		logger:   logging.NewComponentLogger("TaskService"),
		runtimes: expirable.NewLRU[string, *Runtime](runtimeCacheSize, nil, runtimeCacheTTL),
	}
}

// Store exposes the task record store.
func (s *Service) Store() Store { return s.opts.Store }

// Queue exposes the background work queue.
func (s *Service) Queue() *Queue { return s.opts.Queue }

// PlanCache exposes the best-plan cache.
func (s *Service) PlanCache() *cache.PlanCache { return s.opts.PlanCache }

// CreateTask persists a new task record. A non-empty namespace must exist in
// the label store.
func (s *Service) CreateTask(ctx context.Context, goal string, meta map[string]any, namespace string) (*Task, error) {
	if goal == "" {
		return nil, fmt.Errorf("goal must not be empty")
	}
	if namespace != "" && s.opts.LabelStore != nil {
		if _, err := s.opts.LabelStore.GetNamespace(ctx, namespace); err != nil {
			return nil, fmt.Errorf("namespace %q: %w", namespace, err)
		}
	}

	t := &Task{
		ID:        uuid.NewString(),
		Goal:      goal,
		Meta:      meta,
		Namespace: namespace,
		Status:    StatusPending,
	}
	if s.cfg.Backend == "git" {
		t.RepoPath = filepath.Join(s.cfg.RepoBaseDir, t.ID)
	}
	if err := s.opts.Store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("Created task %s for goal: %s", t.ID, t.Goal)
	return t, nil
}

// GetTask loads one task record.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.opts.Store.Get(ctx, id)
}

// ListTasks pages through task records, most recently updated first.
func (s *Service) ListTasks(ctx context.Context, limit, offset int) ([]*Task, error) {
	return s.opts.Store.List(ctx, limit, offset)
}

// ListEvaluation returns tasks in the given window and evaluation states.
func (s *Service) ListEvaluation(ctx context.Context, filter EvaluationFilter) ([]*Task, error) {
	return s.opts.Store.ListEvaluation(ctx, filter)
}

// ListBestPlans pages through tasks that have a saved best plan.
func (s *Service) ListBestPlans(ctx context.Context, limit, offset int) ([]*Task, int, error) {
	tasks, err := s.opts.Store.ListBestPlans(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.opts.Store.CountBestPlans(ctx)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// SetEvaluationStatus records an offline review decision.
func (s *Service) SetEvaluationStatus(ctx context.Context, id string, status EvaluationStatus) (*Task, error) {
	t, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.EvaluationStatus = status
	if err := s.opts.Store.Save(ctx, t); err != nil {
		return nil, err
	}
	s.invalidateRuntime(id)
	return t, nil
}

// Runtime returns the cached runtime for a task, creating it on first use.
func (s *Service) Runtime(ctx context.Context, taskID string) (*Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.runtimes.Get(taskID); ok {
		return rt, nil
	}

	t, err := s.opts.Store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rt, err := s.buildRuntime(ctx, t)
	if err != nil {
		return nil, err
	}
	s.runtimes.Add(taskID, rt)
	return rt, nil
}

func (s *Service) invalidateRuntime(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes.Remove(taskID)
}

func (s *Service) buildRuntime(ctx context.Context, t *Task) (*Runtime, error) {
	manager, err := s.openManager(ctx, t)
	if err != nil {
		return nil, err
	}
	allowed, err := s.allowedTools(ctx, t.Namespace)
	if err != nil {
		return nil, err
	}
	return NewRuntime(t, RuntimeDeps{
		Store:        s.opts.Store,
		Manager:      manager,
		LLM:          s.opts.PlanClient,
		ReasoningLLM: s.opts.ReasonClient,
		Registry:     s.opts.Registry,
		Generator:    s.opts.Generator,
		Optimizer:    s.opts.Optimizer,
		PlanCache:    s.opts.PlanCache,
		Classifier:   s.opts.Classifier,
		AllowedTools: allowed,
	}), nil
}

func (s *Service) openManager(ctx context.Context, t *Task) (branch.Manager, error) {
	switch s.cfg.Backend {
	case "git":
		path := t.RepoPath
		if path == "" {
			path = filepath.Join(s.cfg.RepoBaseDir, t.ID)
		}
		return gitstore.Open(path)
	case "postgres":
		if s.opts.Pool == nil {
			return nil, fmt.Errorf("postgres backend requires a connection pool")
		}
		return pgstore.Open(ctx, s.opts.Pool, t.ID)
	default:
		return nil, fmt.Errorf("unknown backend %q", s.cfg.Backend)
	}
}

// allowedTools resolves the tool whitelist for a namespace. Tasks without a
// namespace may use every registered tool.
func (s *Service) allowedTools(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" || s.opts.LabelStore == nil {
		return nil, nil
	}
	ns, err := s.opts.LabelStore.GetNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return ns.AllowedTools, nil
}
