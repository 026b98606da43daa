package task

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTaskNotFound is returned for unknown or deleted task IDs.
var ErrTaskNotFound = errors.New("task not found")

// EvaluationFilter narrows ListEvaluation results.
type EvaluationFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Statuses  []EvaluationStatus
}

// Store persists task records.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Save(ctx context.Context, t *Task) error
	List(ctx context.Context, limit, offset int) ([]*Task, error)
	ListEvaluation(ctx context.Context, filter EvaluationFilter) ([]*Task, error)
	ListBestPlans(ctx context.Context, limit, offset int) ([]*Task, error)
	CountBestPlans(ctx context.Context) (int, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                TEXT PRIMARY KEY,
    goal              TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    logs              TEXT NOT NULL DEFAULT '',
    meta              JSONB,
    namespace_name    TEXT,
    best_plan         JSONB,
    repo_path         TEXT NOT NULL DEFAULT '',
    label_id          BIGINT,
    evaluation_status TEXT NOT NULL DEFAULT 'NOT_EVALUATED',
    evaluation_reason TEXT NOT NULL DEFAULT '',
    human_evaluation_status TEXT NOT NULL DEFAULT 'NOT_EVALUATED',
    human_feedback    TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks (updated_at DESC);
`

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the tasks table when it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const taskColumns = `id, goal, status, logs, meta, namespace_name, best_plan,
	repo_path, label_id, evaluation_status, evaluation_reason,
	human_evaluation_status, human_feedback, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var meta []byte
	var namespace *string
	err := row.Scan(&t.ID, &t.Goal, &t.Status, &t.Logs, &meta, &namespace,
		&t.BestPlan, &t.RepoPath, &t.LabelID, &t.EvaluationStatus, &t.EvaluationReason,
		&t.HumanEvaluationStatus, &t.HumanFeedback, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if namespace != nil {
		t.Namespace = *namespace
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Meta); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (s *PGStore) Create(ctx context.Context, t *Task) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return err
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.EvaluationStatus == "" {
		t.EvaluationStatus = EvalNotEvaluated
	}
	if t.HumanEvaluationStatus == "" {
		t.HumanEvaluationStatus = EvalNotEvaluated
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, goal, status, logs, meta, namespace_name, best_plan,
		                    repo_path, label_id, evaluation_status, evaluation_reason,
		                    human_evaluation_status, human_feedback, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Goal, t.Status, t.Logs, meta, t.Namespace, t.BestPlan,
		t.RepoPath, t.LabelID, t.EvaluationStatus, t.EvaluationReason,
		t.HumanEvaluationStatus, t.HumanFeedback, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND status <> 'deleted'`, id)
	return scanTask(row)
}

func (s *PGStore) Save(ctx context.Context, t *Task) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	_, err = s.pool.Exec(ctx,
		`UPDATE tasks SET goal = $2, status = $3, logs = $4, meta = $5,
		        namespace_name = NULLIF($6, ''), best_plan = $7, repo_path = $8,
		        label_id = $9, evaluation_status = $10, evaluation_reason = $11,
		        human_evaluation_status = $12, human_feedback = $13, updated_at = $14
		 WHERE id = $1`,
		t.ID, t.Goal, t.Status, t.Logs, meta, t.Namespace, t.BestPlan,
		t.RepoPath, t.LabelID, t.EvaluationStatus, t.EvaluationReason,
		t.HumanEvaluationStatus, t.HumanFeedback, t.UpdatedAt)
	return err
}

func (s *PGStore) List(ctx context.Context, limit, offset int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status <> 'deleted'
		 ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PGStore) ListEvaluation(ctx context.Context, filter EvaluationFilter) ([]*Task, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []EvaluationStatus{EvalNotEvaluated}
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE created_at >= $1 AND created_at <= $2 AND evaluation_status = ANY($3)
		 ORDER BY created_at`, filter.StartTime, filter.EndTime, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PGStore) ListBestPlans(ctx context.Context, limit, offset int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE best_plan IS NOT NULL
		 ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PGStore) CountBestPlans(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE best_plan IS NOT NULL`).Scan(&count)
	return count, err
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{tasks: map[string]*Task{}}
}

func (s *MemStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.EvaluationStatus == "" {
		t.EvaluationStatus = EvalNotEvaluated
	}
	if t.HumanEvaluationStatus == "" {
		t.HumanEvaluationStatus = EvalNotEvaluated
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status == StatusDeleted {
		return nil, ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemStore) Save(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now()
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemStore) List(_ context.Context, limit, offset int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Task
	for _, t := range s.tasks {
		if t.Status != StatusDeleted {
			clone := *t
			all = append(all, &clone)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, limit, offset), nil
}

func (s *MemStore) ListEvaluation(_ context.Context, filter EvaluationFilter) ([]*Task, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []EvaluationStatus{EvalNotEvaluated}
	}
	wanted := map[EvaluationStatus]bool{}
	for _, status := range statuses {
		wanted[status] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.CreatedAt.Before(filter.StartTime) || t.CreatedAt.After(filter.EndTime) {
			continue
		}
		if !wanted[t.EvaluationStatus] {
			continue
		}
		clone := *t
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListBestPlans(_ context.Context, limit, offset int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Task
	for _, t := range s.tasks {
		if len(t.BestPlan) > 0 {
			clone := *t
			all = append(all, &clone)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, limit, offset), nil
}

func (s *MemStore) CountBestPlans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tasks {
		if len(t.BestPlan) > 0 {
			count++
		}
	}
	return count, nil
}

func paginate(all []*Task, limit, offset int) []*Task {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
