package labels

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNamespaceNotFound is returned for unknown namespace names.
var ErrNamespaceNotFound = errors.New("namespace not found")

// Store persists the label forest and namespace definitions.
type Store interface {
	ListLabels(ctx context.Context, namespace string) ([]Label, error)
	ListLabeledTasks(ctx context.Context, namespace string) ([]TaskExample, error)
	FindLabel(ctx context.Context, namespace, name string, parentID *int64) (*Label, error)
	CreateLabel(ctx context.Context, label Label) (int64, error)
	AttachTask(ctx context.Context, taskID string, labelID int64) error
	GetNamespace(ctx context.Context, name string) (*Namespace, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
    name          TEXT PRIMARY KEY,
    allowed_tools TEXT[] NOT NULL DEFAULT '{}',
    description   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS labels (
    id             BIGSERIAL PRIMARY KEY,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    best_practices TEXT NOT NULL DEFAULT '',
    parent_id      BIGINT REFERENCES labels(id),
    namespace_name TEXT NOT NULL REFERENCES namespaces(name),
    UNIQUE (namespace_name, name, parent_id)
);
`

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Seeder = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the label tables when they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGStore) ListLabels(ctx context.Context, namespace string) ([]Label, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, best_practices, parent_id, namespace_name
		 FROM labels WHERE namespace_name = $1 ORDER BY id`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Label
	for rows.Next() {
		var label Label
		if err := rows.Scan(&label.ID, &label.Name, &label.Description,
			&label.BestPractices, &label.ParentID, &label.Namespace); err != nil {
			return nil, err
		}
		out = append(out, label)
	}
	return out, rows.Err()
}

func (s *PGStore) ListLabeledTasks(ctx context.Context, namespace string) ([]TaskExample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.goal, t.best_plan, COALESCE(t.meta->>'response_format', ''), t.label_id
		 FROM tasks t
		 JOIN labels l ON l.id = t.label_id
		 WHERE l.namespace_name = $1 AND t.best_plan IS NOT NULL AND t.label_id IS NOT NULL`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskExample
	for rows.Next() {
		var task TaskExample
		if err := rows.Scan(&task.ID, &task.Goal, &task.BestPlan, &task.ResponseFormat, &task.LabelID); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PGStore) FindLabel(ctx context.Context, namespace, name string, parentID *int64) (*Label, error) {
	var label Label
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, best_practices, parent_id, namespace_name
		 FROM labels
		 WHERE namespace_name = $1 AND name = $2 AND parent_id IS NOT DISTINCT FROM $3`,
		namespace, name, parentID).Scan(&label.ID, &label.Name, &label.Description,
		&label.BestPractices, &label.ParentID, &label.Namespace)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &label, nil
}

func (s *PGStore) CreateLabel(ctx context.Context, label Label) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO labels (name, description, best_practices, parent_id, namespace_name)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		label.Name, label.Description, label.BestPractices, label.ParentID, label.Namespace).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create label %q: %w", label.Name, err)
	}
	return id, nil
}

func (s *PGStore) AttachTask(ctx context.Context, taskID string, labelID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET label_id = $1 WHERE id = $2`, labelID, taskID)
	return err
}

func (s *PGStore) UpsertNamespace(ctx context.Context, ns Namespace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO namespaces (name, allowed_tools, description)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE
		 SET allowed_tools = EXCLUDED.allowed_tools, description = EXCLUDED.description`,
		ns.Name, ns.AllowedTools, ns.Description)
	return err
}

func (s *PGStore) GetNamespace(ctx context.Context, name string) (*Namespace, error) {
	var ns Namespace
	err := s.pool.QueryRow(ctx,
		`SELECT name, allowed_tools, description FROM namespaces WHERE name = $1`,
		name).Scan(&ns.Name, &ns.AllowedTools, &ns.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &ns, nil
}
