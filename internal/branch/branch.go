// Package branch provides the versioned commit graph that records every VM
// state transition, with interchangeable git-backed and Postgres-backed
// stores.
package branch

import (
	"encoding/json"
	"errors"
	"time"
)

// Commit types recorded in commit messages.
const (
	CommitStepExecution    = "StepExecution"
	CommitPlanUpdate       = "PlanUpdate"
	CommitStepOptimization = "StepOptimization"
	CommitGeneratePlan     = "GeneratePlan"
)

// ErrBranchNotFound is returned when a named branch does not exist.
var ErrBranchNotFound = errors.New("branch not found")

// ErrCommitNotFound is returned when a commit hash does not exist.
var ErrCommitNotFound = errors.New("commit not found")

// ErrLastBranch is returned when deleting the only remaining branch.
var ErrLastBranch = errors.New("cannot delete the only branch")

// CommitMessage is the structured message stored with each commit.
type CommitMessage struct {
	Type            string            `json:"type"`
	SeqNo           *int              `json:"seq_no,omitempty"`
	Description     string            `json:"description,omitempty"`
	InputParameters map[string]string `json:"input_parameters,omitempty"`
	OutputVariables map[string]string `json:"output_variables,omitempty"`
	ExecutionError  string            `json:"execution_error,omitempty"`
}

// Info describes a branch for listings.
type Info struct {
	Name           string    `json:"name"`
	HeadCommitHash string    `json:"head_commit_hash"`
	HeadCommitTime time.Time `json:"head_commit_time"`
	MessagePreview string    `json:"message_preview"`
	IsActive       bool      `json:"is_active"`
}

// Commit is a denormalized commit row.
type Commit struct {
	Time       time.Time       `json:"time"`
	Title      string          `json:"title"`
	Details    string          `json:"details"`
	CommitHash string          `json:"commit_hash"`
	SeqNo      *int            `json:"seq_no,omitempty"`
	VMState    json.RawMessage `json:"vm_state,omitempty"`
	CommitType string          `json:"commit_type"`
	Message    CommitMessage   `json:"message"`
}

// Manager is the commit-graph contract shared by both back ends. A Manager
// instance is scoped to a single task.
type Manager interface {
	// ListBranches returns all branches, active first, then by most recent
	// commit time descending.
	ListBranches() ([]Info, error)

	// CheckoutBranch switches the active branch.
	CheckoutBranch(name string) error

	// DeleteBranch removes a branch. Deleting the active branch first
	// switches to main or any other available branch; deleting the only
	// branch fails with ErrLastBranch.
	DeleteBranch(name string) error

	// CheckoutBranchFromCommit creates a new branch pointer at hash and
	// switches to it.
	CheckoutBranchFromCommit(name, hash string) error

	CurrentBranch() (string, error)
	CurrentCommitHash() (string, error)
	ParentCommitHash(hash string) (string, error)

	// CommitHashes walks from the current head toward the root.
	CommitHashes() ([]string, error)

	GetCommits(branchName string) ([]Commit, error)
	GetCommit(hash string) (*Commit, error)
	LatestCommit(branchName string) (*Commit, error)

	// LoadState returns the VM snapshot stored at hash.
	LoadState(hash string) (json.RawMessage, error)

	// UpdateState stages the next commit's snapshot.
	UpdateState(state json.RawMessage) error

	// CommitChanges writes a commit for the staged snapshot and returns its
	// hash. With no staged changes it returns the current head unchanged.
	CommitChanges(message CommitMessage) (string, error)

	// StateDiff renders a human-readable diff between the commit and its
	// parent.
	StateDiff(hash string) (string, error)
}

// MessagePreview renders a short single-line summary of a commit message.
func MessagePreview(message CommitMessage) string {
	if message.Description != "" {
		return message.Description
	}
	return message.Type
}

// ParseRawMessage interprets a stored commit message. Structured messages
// are JSON-encoded CommitMessage documents; anything else is treated as a
// plain-text General commit with the raw text as title.
func ParseRawMessage(raw string) (msg CommitMessage, title, details, commitType string) {
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Type == "" {
		return CommitMessage{Type: "General", Description: raw}, raw, "", "General"
	}
	title = msg.Description
	if title == "" {
		title = msg.Type
	}
	detail := struct {
		InputParameters map[string]string `json:"input_parameters,omitempty"`
		OutputVariables map[string]string `json:"output_variables,omitempty"`
		ExecutionError  string            `json:"execution_error,omitempty"`
	}{msg.InputParameters, msg.OutputVariables, msg.ExecutionError}
	if detail.InputParameters != nil || detail.OutputVariables != nil || detail.ExecutionError != "" {
		data, _ := json.MarshalIndent(detail, "", "  ")
		details = string(data)
	}
	return msg, title, details, msg.Type
}
