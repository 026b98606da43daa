// Package pgstore implements the branch.Manager contract on Postgres. The
// commit graph is stored relationally: a commits table keyed by (task_id,
// commit_hash) with a parent_hash link, and a branches table holding head
// pointers. Commit hashes are synthetic uuid hex strings.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stackvm/internal/branch"
	"stackvm/internal/logging"
)

const defaultBranch = "main"

const schema = `
CREATE TABLE IF NOT EXISTS vm_commits (
    commit_hash  TEXT NOT NULL,
    task_id      TEXT NOT NULL,
    parent_hash  TEXT,
    message      JSONB NOT NULL,
    vm_state     JSONB,
    committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, commit_hash)
);

CREATE TABLE IF NOT EXISTS vm_branches (
    task_id          TEXT NOT NULL,
    name             TEXT NOT NULL,
    head_commit_hash TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (task_id, name)
);

CREATE INDEX IF NOT EXISTS idx_vm_commits_parent
    ON vm_commits (task_id, parent_hash);
`

// EnsureSchema creates the commit-graph tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// Store is a Postgres-backed branch.Manager scoped to a single task.
type Store struct {
	pool   *pgxpool.Pool
	taskID string
	logger logging.Logger

	mu            sync.Mutex
	currentBranch string
	currentHash   string
	stagedState   json.RawMessage
	stateDirty    bool
}

var _ branch.Manager = (*Store)(nil)

// Open binds a store to taskID, creating the main branch with a synthetic
// empty initial commit when the task has no history yet.
func Open(ctx context.Context, pool *pgxpool.Pool, taskID string) (*Store, error) {
	s := &Store{
		pool:   pool,
		taskID: taskID,
		logger: logging.NewComponentLogger("PgStore"),
	}

	var head string
	err := pool.QueryRow(ctx,
		`SELECT head_commit_hash FROM vm_branches WHERE task_id = $1 AND name = $2`,
		taskID, defaultBranch).Scan(&head)
	switch {
	case err == nil:
		s.currentBranch = defaultBranch
		s.currentHash = head
		return s, nil
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.initMainBranch(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("look up main branch: %w", err)
	}
}

func (s *Store) initMainBranch(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	hash := uuid.New().String()
	hash = strings.ReplaceAll(hash, "-", "")
	message, _ := json.Marshal(branch.CommitMessage{Type: "General", Description: "Initial commit"})

	if _, err := tx.Exec(ctx,
		`INSERT INTO vm_commits (commit_hash, task_id, parent_hash, message, vm_state)
		 VALUES ($1, $2, NULL, $3, '{}'::jsonb)`,
		hash, s.taskID, message); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vm_branches (task_id, name, head_commit_hash) VALUES ($1, $2, $3)`,
		s.taskID, defaultBranch, hash); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.currentBranch = defaultBranch
	s.currentHash = hash
	s.logger.Info("Created main branch for task %s", s.taskID)
	return nil
}

type commitRow struct {
	hash        string
	parentHash  *string
	message     []byte
	state       []byte
	committedAt time.Time
}

func (s *Store) fetchCommit(ctx context.Context, hash string) (*commitRow, error) {
	row := commitRow{}
	err := s.pool.QueryRow(ctx,
		`SELECT commit_hash, parent_hash, message, vm_state, committed_at
		 FROM vm_commits WHERE task_id = $1 AND commit_hash = $2`,
		s.taskID, hash).Scan(&row.hash, &row.parentHash, &row.message, &row.state, &row.committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) branchHead(ctx context.Context, name string) (string, error) {
	var head string
	err := s.pool.QueryRow(ctx,
		`SELECT head_commit_hash FROM vm_branches WHERE task_id = $1 AND name = $2`,
		s.taskID, name).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", branch.ErrBranchNotFound, name)
	}
	return head, err
}

// ListBranches returns every branch, active first, then by head commit time
// descending.
func (s *Store) ListBranches() ([]branch.Info, error) {
	s.mu.Lock()
	active := s.currentBranch
	s.mu.Unlock()

	ctx := context.Background()
	rows, err := s.pool.Query(ctx,
		`SELECT b.name, b.head_commit_hash, c.committed_at, c.message
		 FROM vm_branches b
		 JOIN vm_commits c ON c.task_id = b.task_id AND c.commit_hash = b.head_commit_hash
		 WHERE b.task_id = $1`, s.taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []branch.Info
	for rows.Next() {
		var info branch.Info
		var rawMessage []byte
		if err := rows.Scan(&info.Name, &info.HeadCommitHash, &info.HeadCommitTime, &rawMessage); err != nil {
			return nil, err
		}
		_, title, _, _ := branch.ParseRawMessage(string(rawMessage))
		info.MessagePreview = title
		info.IsActive = info.Name == active
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].IsActive != infos[j].IsActive {
			return infos[i].IsActive
		}
		return infos[i].HeadCommitTime.After(infos[j].HeadCommitTime)
	})
	return infos, nil
}

// CheckoutBranch switches the active branch and resets staged state.
func (s *Store) CheckoutBranch(name string) error {
	head, err := s.branchHead(context.Background(), name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.currentBranch = name
	s.currentHash = head
	s.stagedState = nil
	s.stateDirty = false
	s.mu.Unlock()
	return nil
}

// DeleteBranch removes a branch, first switching away when it is active.
func (s *Store) DeleteBranch(name string) error {
	ctx := context.Background()
	if _, err := s.branchHead(ctx, name); err != nil {
		return err
	}

	s.mu.Lock()
	active := s.currentBranch
	s.mu.Unlock()

	if active == name {
		fallback, err := s.fallbackBranch(ctx, name)
		if err != nil {
			return err
		}
		if err := s.CheckoutBranch(fallback); err != nil {
			return err
		}
		s.logger.Info("Switched to branch %s before deleting %s", fallback, name)
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM vm_branches WHERE task_id = $1 AND name = $2`, s.taskID, name)
	return err
}

func (s *Store) fallbackBranch(ctx context.Context, name string) (string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM vm_branches WHERE task_id = $1 AND name <> $2 ORDER BY name`,
		s.taskID, name)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var candidate string
		if err := rows.Scan(&candidate); err != nil {
			return "", err
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", branch.ErrLastBranch
	}
	for _, candidate := range candidates {
		if candidate == defaultBranch {
			return candidate, nil
		}
	}
	return candidates[0], nil
}

// CheckoutBranchFromCommit creates a branch pointing at hash and switches
// to it.
func (s *Store) CheckoutBranchFromCommit(name, hash string) error {
	ctx := context.Background()
	if _, err := s.fetchCommit(ctx, hash); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO vm_branches (task_id, name, head_commit_hash) VALUES ($1, $2, $3)`,
		s.taskID, name, hash); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}

	s.mu.Lock()
	s.currentBranch = name
	s.currentHash = hash
	s.stagedState = nil
	s.stateDirty = false
	s.mu.Unlock()
	return nil
}

func (s *Store) CurrentBranch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentBranch == "" {
		return "", branch.ErrBranchNotFound
	}
	return s.currentBranch, nil
}

func (s *Store) CurrentCommitHash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentHash, nil
}

// ParentCommitHash returns the parent of hash, or "" for the root commit.
func (s *Store) ParentCommitHash(hash string) (string, error) {
	row, err := s.fetchCommit(context.Background(), hash)
	if err != nil {
		return "", err
	}
	if row.parentHash == nil {
		return "", nil
	}
	return *row.parentHash, nil
}

// CommitHashes walks parent links from the current head to the root.
func (s *Store) CommitHashes() ([]string, error) {
	s.mu.Lock()
	current := s.currentHash
	s.mu.Unlock()

	ctx := context.Background()
	var hashes []string
	for current != "" {
		row, err := s.fetchCommit(ctx, current)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, row.hash)
		if row.parentHash == nil {
			break
		}
		current = *row.parentHash
	}
	return hashes, nil
}

// GetCommits returns the branch history, newest first.
func (s *Store) GetCommits(branchName string) ([]branch.Commit, error) {
	ctx := context.Background()
	head, err := s.branchHead(ctx, branchName)
	if err != nil {
		return nil, err
	}

	var commits []branch.Commit
	current := head
	for current != "" {
		row, err := s.fetchCommit(ctx, current)
		if err != nil {
			return nil, err
		}
		commits = append(commits, describeRow(row))
		if row.parentHash == nil {
			break
		}
		current = *row.parentHash
	}
	return commits, nil
}

func (s *Store) GetCommit(hash string) (*branch.Commit, error) {
	row, err := s.fetchCommit(context.Background(), hash)
	if err != nil {
		return nil, err
	}
	described := describeRow(row)
	return &described, nil
}

func (s *Store) LatestCommit(branchName string) (*branch.Commit, error) {
	head, err := s.branchHead(context.Background(), branchName)
	if err != nil {
		return nil, err
	}
	return s.GetCommit(head)
}

func describeRow(row *commitRow) branch.Commit {
	msg, title, details, commitType := branch.ParseRawMessage(string(row.message))
	state := json.RawMessage(row.state)
	if isEmptyState(state) {
		state = nil
	}
	return branch.Commit{
		Time:       row.committedAt,
		Title:      title,
		Details:    details,
		CommitHash: row.hash,
		SeqNo:      msg.SeqNo,
		VMState:    state,
		CommitType: commitType,
		Message:    msg,
	}
}

// LoadState returns the snapshot stored at hash.
func (s *Store) LoadState(hash string) (json.RawMessage, error) {
	row, err := s.fetchCommit(context.Background(), hash)
	if err != nil {
		return nil, err
	}
	state := json.RawMessage(row.state)
	if isEmptyState(state) {
		return nil, nil
	}
	return state, nil
}

// UpdateState stages the snapshot for the next commit.
func (s *Store) UpdateState(state json.RawMessage) error {
	if !json.Valid(state) {
		return errors.New("invalid state document")
	}
	s.mu.Lock()
	s.stagedState = append(json.RawMessage(nil), state...)
	s.stateDirty = true
	s.mu.Unlock()
	return nil
}

// CommitChanges inserts a commit for the staged snapshot and advances the
// branch head in one transaction. Without staged changes it returns the
// current head.
func (s *Store) CommitChanges(message branch.CommitMessage) (string, error) {
	s.mu.Lock()
	if !s.stateDirty {
		head := s.currentHash
		s.mu.Unlock()
		s.logger.Debug("No staged state, returning head")
		return head, nil
	}
	staged := s.stagedState
	parent := s.currentHash
	branchName := s.currentBranch
	s.mu.Unlock()

	if branchName == "" {
		return "", errors.New("no active branch")
	}

	rawMessage, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	hash := strings.ReplaceAll(uuid.New().String(), "-", "")

	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO vm_commits (commit_hash, task_id, parent_hash, message, vm_state)
		 VALUES ($1, $2, $3, $4, $5)`,
		hash, s.taskID, parent, rawMessage, staged); err != nil {
		return "", err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE vm_branches SET head_commit_hash = $1 WHERE task_id = $2 AND name = $3`,
		hash, s.taskID, branchName)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.currentHash = hash
	s.stateDirty = false
	s.mu.Unlock()
	return hash, nil
}

// StateDiff reports Added / Removed / Modified top-level keys between the
// commit's snapshot and its parent's.
func (s *Store) StateDiff(hash string) (string, error) {
	ctx := context.Background()
	row, err := s.fetchCommit(ctx, hash)
	if err != nil {
		return "", err
	}

	var current map[string]json.RawMessage
	if len(row.state) > 0 {
		if err := json.Unmarshal(row.state, &current); err != nil {
			return "", err
		}
	}

	if row.parentHash == nil {
		pretty, err := json.MarshalIndent(json.RawMessage(row.state), "", "  ")
		if err != nil {
			return "", err
		}
		return "Initial commit:\n" + string(pretty), nil
	}

	parent, err := s.fetchCommit(ctx, *row.parentHash)
	if err != nil {
		return "", err
	}
	var previous map[string]json.RawMessage
	if len(parent.state) > 0 {
		if err := json.Unmarshal(parent.state, &previous); err != nil {
			return "", err
		}
	}
	return renderStateDiff(previous, current), nil
}

func renderStateDiff(previous, current map[string]json.RawMessage) string {
	var added, removed, modified []string
	for key := range current {
		if _, ok := previous[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			removed = append(removed, key)
		} else if !jsonEqual(previous[key], current[key]) {
			modified = append(modified, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)

	var sections []string
	if len(added) > 0 {
		lines := []string{"Added:"}
		for _, key := range added {
			lines = append(lines, fmt.Sprintf("  + %s: %s", key, compactJSON(current[key])))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	if len(removed) > 0 {
		lines := []string{"Removed:"}
		for _, key := range removed {
			lines = append(lines, fmt.Sprintf("  - %s: %s", key, compactJSON(previous[key])))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	if len(modified) > 0 {
		lines := []string{"Modified:"}
		for _, key := range modified {
			lines = append(lines, fmt.Sprintf("  ~ %s:", key))
			lines = append(lines, fmt.Sprintf("    - %s", compactJSON(previous[key])))
			lines = append(lines, fmt.Sprintf("    + %s", compactJSON(current[key])))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func jsonEqual(a, b json.RawMessage) bool {
	var bufA, bufB bytes.Buffer
	if json.Compact(&bufA, a) != nil || json.Compact(&bufB, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(bufA.Bytes(), bufB.Bytes())
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func isEmptyState(state json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(state))
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}
