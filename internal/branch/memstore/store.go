// Package memstore is an in-memory branch.Manager used by tests and by
// ephemeral executions that do not need durable history. It mirrors the
// relational layout of the Postgres store: a commit map with parent links
// plus branch head pointers.
package memstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stackvm/internal/branch"
)

const defaultBranch = "main"

type commitRecord struct {
	hash        string
	parentHash  string
	message     branch.CommitMessage
	rawMessage  string
	state       json.RawMessage
	committedAt time.Time
}

// Store keeps the whole commit graph in memory.
type Store struct {
	mu            sync.Mutex
	commits       map[string]*commitRecord
	branches      map[string]string
	currentBranch string
	currentHash   string
	stagedState   json.RawMessage
	stateDirty    bool
	clock         func() time.Time
}

var _ branch.Manager = (*Store)(nil)

// New returns a store seeded with an empty initial commit on main.
func New() *Store {
	s := &Store{
		commits:  map[string]*commitRecord{},
		branches: map[string]string{},
		clock:    time.Now,
	}
	initial := &commitRecord{
		hash:        newHash(),
		message:     branch.CommitMessage{Type: "General", Description: "Initial commit"},
		committedAt: s.clock(),
	}
	initial.rawMessage = encodeMessage(initial.message)
	s.commits[initial.hash] = initial
	s.branches[defaultBranch] = initial.hash
	s.currentBranch = defaultBranch
	s.currentHash = initial.hash
	return s
}

func newHash() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func encodeMessage(message branch.CommitMessage) string {
	raw, _ := json.Marshal(message)
	return string(raw)
}

func (s *Store) ListBranches() ([]branch.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var infos []branch.Info
	for name, head := range s.branches {
		record := s.commits[head]
		infos = append(infos, branch.Info{
			Name:           name,
			HeadCommitHash: head,
			HeadCommitTime: record.committedAt,
			MessagePreview: branch.MessagePreview(record.message),
			IsActive:       name == s.currentBranch,
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].IsActive != infos[j].IsActive {
			return infos[i].IsActive
		}
		if !infos[i].HeadCommitTime.Equal(infos[j].HeadCommitTime) {
			return infos[i].HeadCommitTime.After(infos[j].HeadCommitTime)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

func (s *Store) CheckoutBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.branches[name]
	if !ok {
		return fmt.Errorf("%w: %s", branch.ErrBranchNotFound, name)
	}
	s.currentBranch = name
	s.currentHash = head
	s.stagedState = nil
	s.stateDirty = false
	return nil
}

func (s *Store) DeleteBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[name]; !ok {
		return fmt.Errorf("%w: %s", branch.ErrBranchNotFound, name)
	}
	if s.currentBranch == name {
		fallback := ""
		if _, ok := s.branches[defaultBranch]; ok && name != defaultBranch {
			fallback = defaultBranch
		} else {
			var others []string
			for candidate := range s.branches {
				if candidate != name {
					others = append(others, candidate)
				}
			}
			if len(others) == 0 {
				return branch.ErrLastBranch
			}
			sort.Strings(others)
			fallback = others[0]
		}
		s.currentBranch = fallback
		s.currentHash = s.branches[fallback]
		s.stagedState = nil
		s.stateDirty = false
	}
	delete(s.branches, name)
	return nil
}

func (s *Store) CheckoutBranchFromCommit(name, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commits[hash]; !ok {
		return fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	s.branches[name] = hash
	s.currentBranch = name
	s.currentHash = hash
	s.stagedState = nil
	s.stateDirty = false
	return nil
}

func (s *Store) CurrentBranch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBranch, nil
}

func (s *Store) CurrentCommitHash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentHash, nil
}

func (s *Store) ParentCommitHash(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.commits[hash]
	if !ok {
		return "", fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	return record.parentHash, nil
}

func (s *Store) CommitHashes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(s.currentHash)
}

func (s *Store) historyLocked(head string) ([]string, error) {
	var hashes []string
	for current := head; current != ""; {
		record, ok := s.commits[current]
		if !ok {
			return nil, fmt.Errorf("%w: %s", branch.ErrCommitNotFound, current)
		}
		hashes = append(hashes, record.hash)
		current = record.parentHash
	}
	return hashes, nil
}

func (s *Store) GetCommits(branchName string) ([]branch.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.branches[branchName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	hashes, err := s.historyLocked(head)
	if err != nil {
		return nil, err
	}
	commits := make([]branch.Commit, 0, len(hashes))
	for _, hash := range hashes {
		commits = append(commits, s.describeLocked(s.commits[hash]))
	}
	return commits, nil
}

func (s *Store) GetCommit(hash string) (*branch.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.commits[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	described := s.describeLocked(record)
	return &described, nil
}

func (s *Store) LatestCommit(branchName string) (*branch.Commit, error) {
	s.mu.Lock()
	head, ok := s.branches[branchName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", branch.ErrBranchNotFound, branchName)
	}
	return s.GetCommit(head)
}

func (s *Store) describeLocked(record *commitRecord) branch.Commit {
	msg, title, details, commitType := branch.ParseRawMessage(record.rawMessage)
	return branch.Commit{
		Time:       record.committedAt,
		Title:      title,
		Details:    details,
		CommitHash: record.hash,
		SeqNo:      msg.SeqNo,
		VMState:    record.state,
		CommitType: commitType,
		Message:    msg,
	}
}

func (s *Store) LoadState(hash string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.commits[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	return record.state, nil
}

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

func (s *Store) CommitChanges(message branch.CommitMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stateDirty {
		return s.currentHash, nil
	}
	record := &commitRecord{
		hash:        newHash(),
		parentHash:  s.currentHash,
		message:     message,
		rawMessage:  encodeMessage(message),
		state:       s.stagedState,
		committedAt: s.clock(),
	}
	s.commits[record.hash] = record
	s.branches[s.currentBranch] = record.hash
	s.currentHash = record.hash
	s.stateDirty = false
	return record.hash, nil
}

func (s *Store) StateDiff(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.commits[hash]
	if !ok {
		return "", fmt.Errorf("%w: %s", branch.ErrCommitNotFound, hash)
	}
	if record.parentHash == "" {
		pretty, err := json.MarshalIndent(record.state, "", "  ")
		if err != nil {
			return "", err
		}
		return "Initial commit:\n" + string(pretty), nil
	}
	parent, ok := s.commits[record.parentHash]
	if !ok {
		return "", fmt.Errorf("%w: %s", branch.ErrCommitNotFound, record.parentHash)
	}
	return fmt.Sprintf("--- %s\n+++ %s\n-%s\n+%s\n",
		parent.hash[:8], record.hash[:8], parent.state, record.state), nil
}
