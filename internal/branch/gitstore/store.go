// Package gitstore implements the branch.Manager contract on top of a local
// git repository. Each task owns its own repository directory; the VM
// snapshot lives in vm_state.json and every state transition is a commit.
package gitstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"

	"stackvm/internal/branch"
	"stackvm/internal/logging"
)

const (
	stateFile     = "vm_state.json"
	defaultBranch = "main"
	readmeFile    = "README.md"
	readmeBody    = "# VM Execution Repository\n\nThis repository tracks the execution state of a task.\n"
)

var commitSignature = object.Signature{
	Name:  "stackvm",
	Email: "stackvm@localhost",
}

// Store is a git-backed branch.Manager scoped to a single task repository.
type Store struct {
	mu     sync.Mutex
	path   string
	repo   *git.Repository
	logger logging.Logger
}

var _ branch.Manager = (*Store)(nil)

// Open opens the repository at path, initializing it with a seed commit on
// main when it does not exist yet.
func Open(path string) (*Store, error) {
	logger := logging.NewComponentLogger("GitStore")

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initRepository(path)
		if err != nil {
			return nil, fmt.Errorf("init repository %s: %w", path, err)
		}
		logger.Info("Initialized repository at %s", path)
	} else if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}

	return &Store{path: path, repo: repo, logger: logger}, nil
}

func initRepository(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, err
	}

	// Seed on main rather than go-git's default master.
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(path, readmeFile), []byte(readmeBody), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(path, stateFile), []byte("{}"), 0o644); err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, err
	}
	sig := commitSignature
	sig.When = time.Now()
	if _, err := wt.Commit("Initial commit", &git.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		return nil, err
	}
	return repo, nil
}

// ListBranches returns every branch, the active one first and the rest
// ordered by head commit time descending.
func (s *Store) ListBranches() ([]branch.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBranchesLocked()
}

func (s *Store) listBranchesLocked() ([]branch.Info, error) {
	active, err := s.currentBranchLocked()
	if err != nil {
		return nil, err
	}

	iter, err := s.repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var infos []branch.Info
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		commit, err := s.repo.CommitObject(ref.Hash())
		if err != nil {
			return err
		}
		_, title, _, _ := branch.ParseRawMessage(strings.TrimRight(commit.Message, "\n"))
		infos = append(infos, branch.Info{
			Name:           ref.Name().Short(),
			HeadCommitHash: ref.Hash().String(),
			HeadCommitTime: commit.Committer.When,
			MessagePreview: title,
			IsActive:       ref.Name().Short() == active,
		})
		return nil
	})
	if err != nil {
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

// CheckoutBranch switches the worktree to an existing branch.
func (s *Store) CheckoutBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkoutLocked(name)
}

func (s *Store) checkoutLocked(name string) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Force:  true,
	})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("%w: %s", branch.ErrBranchNotFound, name)
	}
	return err
}

// DeleteBranch removes a branch. When the active branch is deleted the
// store first switches to main, or to any other branch when main is gone.
func (s *Store) DeleteBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := s.repo.Reference(refName, true); err != nil {
		return fmt.Errorf("%w: %s", branch.ErrBranchNotFound, name)
	}

	active, err := s.currentBranchLocked()
	if err != nil {
		return err
	}
	if active == name {
		fallback, err := s.fallbackBranchLocked(name)
		if err != nil {
			return err
		}
		if err := s.checkoutLocked(fallback); err != nil {
			return err
		}
		s.logger.Info("Switched to branch %s before deleting %s", fallback, name)
	}
	return s.repo.Storer.RemoveReference(refName)
}

// fallbackBranchLocked picks the branch to land on after deleting name,
// preferring main.
func (s *Store) fallbackBranchLocked(name string) (string, error) {
	iter, err := s.repo.Branches()
	if err != nil {
		return "", err
	}
	defer iter.Close()

	var candidates []string
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		if short := ref.Name().Short(); short != name {
			candidates = append(candidates, short)
		}
		return nil
	}); err != nil {
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
	sort.Strings(candidates)
	return candidates[0], nil
}

// CheckoutBranchFromCommit creates a branch at hash and switches to it.
func (s *Store) CheckoutBranchFromCommit(name, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commitHash := plumbing.NewHash(hash)
	if _, err := s.repo.CommitObject(commitHash); err != nil {
		return fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{
		Hash:   commitHash,
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
		Force:  true,
	})
}

func (s *Store) CurrentBranch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBranchLocked()
}

func (s *Store) currentBranchLocked() (string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Name().Short(), nil
}

func (s *Store) CurrentCommitHash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headHashLocked()
}

func (s *Store) headHashLocked() (string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

// ParentCommitHash returns the first parent of hash, or "" for the root
// commit.
func (s *Store) ParentCommitHash(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.commitLocked(hash)
	if err != nil {
		return "", err
	}
	if commit.NumParents() == 0 {
		return "", nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return "", err
	}
	return parent.Hash.String(), nil
}

// CommitHashes walks first-parent from the current head to the root.
func (s *Store) CommitHashes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	headHash, err := s.headHashLocked()
	if err != nil {
		return nil, err
	}
	commit, err := s.commitLocked(headHash)
	if err != nil {
		return nil, err
	}

	var hashes []string
	for commit != nil {
		hashes = append(hashes, commit.Hash.String())
		if commit.NumParents() == 0 {
			break
		}
		commit, err = commit.Parent(0)
		if err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// GetCommits returns the first-parent history of a branch, newest first.
func (s *Store) GetCommits(branchName string) ([]branch.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}

	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, err
	}

	var commits []branch.Commit
	for commit != nil {
		commits = append(commits, s.describeCommitLocked(commit))
		if commit.NumParents() == 0 {
			break
		}
		commit, err = commit.Parent(0)
		if err != nil {
			return nil, err
		}
	}
	return commits, nil
}

func (s *Store) GetCommit(hash string) (*branch.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.commitLocked(hash)
	if err != nil {
		return nil, err
	}
	described := s.describeCommitLocked(commit)
	return &described, nil
}

func (s *Store) LatestCommit(branchName string) (*branch.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, err
	}
	described := s.describeCommitLocked(commit)
	return &described, nil
}

func (s *Store) describeCommitLocked(commit *object.Commit) branch.Commit {
	raw := strings.TrimRight(commit.Message, "\n")
	msg, title, details, commitType := branch.ParseRawMessage(raw)
	state, _ := stateAt(commit)
	return branch.Commit{
		Time:       commit.Committer.When,
		Title:      title,
		Details:    details,
		CommitHash: commit.Hash.String(),
		SeqNo:      msg.SeqNo,
		VMState:    state,
		CommitType: commitType,
		Message:    msg,
	}
}

// LoadState reads the snapshot file stored at hash.
func (s *Store) LoadState(hash string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.commitLocked(hash)
	if err != nil {
		return nil, err
	}
	return stateAt(commit)
}

// UpdateState stages the snapshot in the worktree for the next commit.
func (s *Store) UpdateState(state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc any
	if err := json.Unmarshal(state, &doc); err != nil {
		return fmt.Errorf("invalid state document: %w", err)
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.path, stateFile), append(pretty, '\n'), 0o644)
}

// CommitChanges stages everything and commits the JSON-encoded message.
// With a clean worktree the current head hash is returned unchanged.
func (s *Store) CommitChanges(message branch.CommitMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	if status.IsClean() {
		s.logger.Debug("No changes to commit, returning head")
		return s.headHashLocked()
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	sig := commitSignature
	sig.When = time.Now()
	hash, err := wt.Commit(string(raw), &git.CommitOptions{Author: &sig, Committer: &sig})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// StateDiff renders a line diff of the snapshot against its parent commit.
// The root commit diffs against an empty document.
func (s *Store) StateDiff(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.commitLocked(hash)
	if err != nil {
		return "", err
	}
	current, err := stateAt(commit)
	if err != nil {
		return "", err
	}

	var previous json.RawMessage
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return "", err
		}
		previous, err = stateAt(parent)
		if err != nil {
			return "", err
		}
	}
	return RenderLineDiff(string(previous), string(current)), nil
}

func (s *Store) commitLocked(hash string) (*object.Commit, error) {
	commit, err := s.repo.CommitObject(plumbing.NewHash(hash))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

func stateAt(commit *object.Commit) (json.RawMessage, error) {
	file, err := commit.File(stateFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, err
	}
	contents = strings.TrimSpace(contents)
	if contents == "" || contents == "{}" {
		return nil, nil
	}
	return json.RawMessage(contents), nil
}

// RenderLineDiff produces a unified-style line diff between two documents.
func RenderLineDiff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(beforeChars, afterChars, false), lines)

	var b strings.Builder
	b.WriteString("--- " + stateFile + "\n")
	b.WriteString("+++ " + stateFile + "\n")
	for _, diff := range diffs {
		prefix := " "
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitKeepNonEmpty(diff.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func splitKeepNonEmpty(text string) []string {
	parts := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}
