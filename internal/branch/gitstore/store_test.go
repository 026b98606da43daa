package gitstore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/branch"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task-repo")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func commitState(t *testing.T, s *Store, state string, message branch.CommitMessage) string {
	t.Helper()
	require.NoError(t, s.UpdateState(json.RawMessage(state)))
	hash, err := s.CommitChanges(message)
	require.NoError(t, err)
	return hash
}

func TestOpenInitializesRepositoryOnMain(t *testing.T) {
	s, _ := newTestStore(t)

	name, err := s.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", name)

	hashes, err := s.CommitHashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)

	// The seed commit carries an empty snapshot.
	state, err := s.LoadState(hashes[0])
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestOpenReopensExistingRepository(t *testing.T) {
	s, path := newTestStore(t)
	head := commitState(t, s, `{"n": 1}`, branch.CommitMessage{
		Type:        branch.CommitStepExecution,
		Description: "step one",
	})

	reopened, err := Open(path)
	require.NoError(t, err)

	current, err := reopened.CurrentCommitHash()
	require.NoError(t, err)
	assert.Equal(t, head, current)

	state, err := reopened.LoadState(head)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, string(state))
}

func TestCommitChangesWithCleanWorktreeKeepsHead(t *testing.T) {
	s, _ := newTestStore(t)
	head, err := s.CurrentCommitHash()
	require.NoError(t, err)

	hash, err := s.CommitChanges(branch.CommitMessage{Type: branch.CommitStepExecution})
	require.NoError(t, err)
	assert.Equal(t, head, hash)
}

func TestCommitAdvancesHead(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.CurrentCommitHash()

	second := commitState(t, s, `{"n": 1}`, branch.CommitMessage{
		Type:        branch.CommitStepExecution,
		Description: "step one",
	})
	assert.NotEqual(t, first, second)

	parent, err := s.ParentCommitHash(second)
	require.NoError(t, err)
	assert.Equal(t, first, parent)

	state, err := s.LoadState(second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, string(state))
}

func TestGetCommitsReturnsHeadFirst(t *testing.T) {
	s, _ := newTestStore(t)
	a := commitState(t, s, `{"n": 1}`, branch.CommitMessage{Type: branch.CommitStepExecution, Description: "a"})
	b := commitState(t, s, `{"n": 2}`, branch.CommitMessage{Type: branch.CommitStepExecution, Description: "b"})

	commits, err := s.GetCommits("main")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, b, commits[0].CommitHash)
	assert.Equal(t, a, commits[1].CommitHash)
	assert.Equal(t, branch.CommitStepExecution, commits[0].CommitType)
}

func TestGetCommitsUnknownBranchFails(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetCommits("nope")
	assert.True(t, errors.Is(err, branch.ErrBranchNotFound))
}

func TestCheckoutBranchFromCommit(t *testing.T) {
	s, _ := newTestStore(t)
	base := commitState(t, s, `{"n": 1}`, branch.CommitMessage{Type: branch.CommitStepExecution})
	commitState(t, s, `{"n": 2}`, branch.CommitMessage{Type: branch.CommitStepExecution})

	require.NoError(t, s.CheckoutBranchFromCommit("experiment", base))

	name, _ := s.CurrentBranch()
	assert.Equal(t, "experiment", name)
	head, _ := s.CurrentCommitHash()
	assert.Equal(t, base, head)

	// The new branch diverges without touching main.
	forked := commitState(t, s, `{"n": 3}`, branch.CommitMessage{Type: branch.CommitStepExecution})
	mainCommits, err := s.GetCommits("main")
	require.NoError(t, err)
	for _, c := range mainCommits {
		assert.NotEqual(t, forked, c.CommitHash)
	}
}

func TestCheckoutBranchFromUnknownCommitFails(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.CheckoutBranchFromCommit("experiment", "0000000000000000000000000000000000000000")
	assert.True(t, errors.Is(err, branch.ErrCommitNotFound))
}

func TestCheckoutUnknownBranchFails(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.CheckoutBranch("nope")
	assert.True(t, errors.Is(err, branch.ErrBranchNotFound))
}

func TestDeleteActiveBranchFallsBackToMain(t *testing.T) {
	s, _ := newTestStore(t)
	base, _ := s.CurrentCommitHash()
	require.NoError(t, s.CheckoutBranchFromCommit("scratch", base))

	require.NoError(t, s.DeleteBranch("scratch"))
	name, _ := s.CurrentBranch()
	assert.Equal(t, "main", name)
}

func TestDeleteLastBranchFails(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.DeleteBranch("main")
	assert.True(t, errors.Is(err, branch.ErrLastBranch))
}

func TestListBranchesMarksActive(t *testing.T) {
	s, _ := newTestStore(t)
	base, _ := s.CurrentCommitHash()
	require.NoError(t, s.CheckoutBranchFromCommit("feature", base))

	infos, err := s.ListBranches()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "feature", infos[0].Name)
	assert.True(t, infos[0].IsActive)
	assert.False(t, infos[1].IsActive)
}

func TestLatestCommit(t *testing.T) {
	s, _ := newTestStore(t)
	head := commitState(t, s, `{"n": 1}`, branch.CommitMessage{Type: branch.CommitStepExecution})

	latest, err := s.LatestCommit("main")
	require.NoError(t, err)
	assert.Equal(t, head, latest.CommitHash)
}

func TestStateDiffAgainstParent(t *testing.T) {
	s, _ := newTestStore(t)
	first := commitState(t, s, `{"n": 1}`, branch.CommitMessage{Type: branch.CommitStepExecution})
	second := commitState(t, s, `{"n": 2}`, branch.CommitMessage{Type: branch.CommitStepExecution})

	diff, err := s.StateDiff(second)
	require.NoError(t, err)
	assert.Contains(t, diff, `-  "n": 1`)
	assert.Contains(t, diff, `+  "n": 2`)

	// The first snapshot diffs against the seed's empty document.
	diff, err = s.StateDiff(first)
	require.NoError(t, err)
	assert.Contains(t, diff, `+  "n": 1`)
}

func TestUpdateStateRejectsInvalidJSON(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Error(t, s.UpdateState(json.RawMessage("{broken")))
}

func TestCommitMessageRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	seq := 4
	hash := commitState(t, s, `{"n": 1}`, branch.CommitMessage{
		Type:           branch.CommitStepExecution,
		SeqNo:          &seq,
		Description:    "Executed seq_no: 4, step: assign",
		ExecutionError: "boom",
	})

	commit, err := s.GetCommit(hash)
	require.NoError(t, err)
	require.NotNil(t, commit.SeqNo)
	assert.Equal(t, 4, *commit.SeqNo)
	assert.Equal(t, "boom", commit.Message.ExecutionError)
	assert.Equal(t, branch.CommitStepExecution, commit.CommitType)
}
