package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreCreateDefaults(t *testing.T) {
	s := NewMemStore()
	task := &Task{ID: "t1", Goal: "do things"}
	require.NoError(t, s.Create(context.Background(), task))

	loaded, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, EvalNotEvaluated, loaded.EvaluationStatus)
	assert.Equal(t, EvalNotEvaluated, loaded.HumanEvaluationStatus)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestParseEvaluationStatus(t *testing.T) {
	for raw, want := range map[string]EvaluationStatus{
		"NOT_EVALUATED":          EvalNotEvaluated,
		"waiting_for_evaluation": EvalWaiting,
		" Approved ":             EvalApproved,
		"rejected":               EvalRejected,
	} {
		got, ok := ParseEvaluationStatus(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}

	_, ok := ParseEvaluationStatus("bogus")
	assert.False(t, ok)
}

func TestMemStoreEvaluationFieldsRoundTrip(t *testing.T) {
	s := NewMemStore()
	rec := &Task{ID: "t1", Goal: "g"}
	require.NoError(t, s.Create(context.Background(), rec))

	rec.EvaluationStatus = EvalRejected
	rec.EvaluationReason = "answer missed the second requirement"
	rec.HumanEvaluationStatus = EvalWaiting
	rec.HumanFeedback = "needs another look"
	require.NoError(t, s.Save(context.Background(), rec))

	loaded, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, EvalRejected, loaded.EvaluationStatus)
	assert.Equal(t, "answer missed the second requirement", loaded.EvaluationReason)
	assert.Equal(t, EvalWaiting, loaded.HumanEvaluationStatus)
	assert.Equal(t, "needs another look", loaded.HumanFeedback)

	now := time.Now()
	waiting, err := s.ListEvaluation(context.Background(), EvaluationFilter{
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		Statuses:  []EvaluationStatus{EvalRejected},
	})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "t1", waiting[0].ID)
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemStoreDeletedTaskIsHidden(t *testing.T) {
	s := NewMemStore()
	task := &Task{ID: "t1", Goal: "g"}
	require.NoError(t, s.Create(context.Background(), task))

	task.Status = StatusDeleted
	require.NoError(t, s.Save(context.Background(), task))

	_, err := s.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	all, err := s.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemStoreListPagination(t *testing.T) {
	s := NewMemStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(context.Background(), &Task{ID: id, Goal: id}))
		time.Sleep(time.Millisecond)
	}

	page, err := s.List(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.List(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := s.List(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemStoreListBestPlans(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), &Task{ID: "plain", Goal: "g"}))
	require.NoError(t, s.Create(context.Background(), &Task{
		ID: "best", Goal: "g", BestPlan: json.RawMessage(`[]`),
	}))

	plans, err := s.ListBestPlans(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "best", plans[0].ID)

	count, err := s.CountBestPlans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemStoreEvaluationFilter(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), &Task{ID: "a", Goal: "g"}))
	approved := &Task{ID: "b", Goal: "g"}
	require.NoError(t, s.Create(context.Background(), approved))
	approved.EvaluationStatus = EvalApproved
	require.NoError(t, s.Save(context.Background(), approved))

	now := time.Now()
	filter := EvaluationFilter{
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}

	// Default filter selects not-yet-evaluated tasks.
	pending, err := s.ListEvaluation(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	filter.Statuses = []EvaluationStatus{EvalApproved}
	reviewed, err := s.ListEvaluation(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, reviewed, 1)
	assert.Equal(t, "b", reviewed[0].ID)
}

func TestDescribeGoalAppendsResponseFormat(t *testing.T) {
	task := &Task{
		Goal: "explain the tradeoffs",
		Meta: map[string]any{"response_format": map[string]any{"Lang": "en-US"}},
	}
	described := task.DescribeGoal()
	assert.Contains(t, described, "explain the tradeoffs")
	assert.Contains(t, described, `"Lang":"en-US"`)

	bare := &Task{Goal: "just the goal"}
	assert.Equal(t, "just the goal", bare.DescribeGoal())
}

func TestResponseFormatFromMeta(t *testing.T) {
	task := &Task{Meta: map[string]any{
		"response_format": map[string]any{"Lang": "en", "Format": "table"},
	}}
	rf := task.ResponseFormat()
	assert.Equal(t, "en", rf["Lang"])
	assert.Equal(t, "table", rf["Format"])

	assert.Nil(t, (&Task{}).ResponseFormat())
}
