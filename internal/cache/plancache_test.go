package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLoader(entries ...Entry) Loader {
	return func(ctx context.Context) ([]Entry, error) {
		return entries, nil
	}
}

func TestNormalizeGoal(t *testing.T) {
	assert.Equal(t, "what is a b-tree", NormalizeGoal("  What is a B-tree?!  "))
	assert.Equal(t, "", NormalizeGoal("   "))
}

func TestLookupExactMatchWithSameLanguage(t *testing.T) {
	plan := json.RawMessage(`[{"seq_no":0,"type":"assign","parameters":{"final_answer":"x"}}]`)
	c := NewPlanCache(staticLoader(Entry{
		Goal:           "Explain connection pooling",
		ResponseFormat: map[string]string{"Lang": "en-US"},
		BestPlan:       plan,
	}), 0)
	require.NoError(t, c.Refresh(context.Background()))

	hit := c.Lookup("explain connection pooling", map[string]string{"Lang": "en-US"})
	require.NotNil(t, hit)
	assert.True(t, hit.Matched)
	assert.Equal(t, plan, hit.Entry.BestPlan)
}

func TestLookupLanguageMismatchIsReferenceOnly(t *testing.T) {
	c := NewPlanCache(staticLoader(Entry{
		Goal:           "Explain connection pooling",
		ResponseFormat: map[string]string{"Lang": "en-US"},
	}), 0)
	require.NoError(t, c.Refresh(context.Background()))

	hit := c.Lookup("Explain connection pooling", map[string]string{"Lang": "zh-CN"})
	require.NotNil(t, hit)
	assert.False(t, hit.Matched)
	assert.Equal(t, "Explain connection pooling", hit.Entry.Goal)
}

func TestLookupBelowCutoffReturnsNil(t *testing.T) {
	c := NewPlanCache(staticLoader(Entry{Goal: "Explain connection pooling"}), 0)
	require.NoError(t, c.Refresh(context.Background()))

	assert.Nil(t, c.Lookup("How do I bake bread?", nil))
}

func TestLookupNearIdenticalGoalAboveCutoff(t *testing.T) {
	c := NewPlanCache(staticLoader(Entry{
		Goal:           "Explain connection pooling in Postgres",
		ResponseFormat: map[string]string{"Lang": "en"},
	}), 0.9)
	require.NoError(t, c.Refresh(context.Background()))

	hit := c.Lookup("Explain connection pooling in Postgres.", map[string]string{"Lang": "en"})
	require.NotNil(t, hit)
	assert.True(t, hit.Matched)
}

func TestAddInsertsWithoutOverwriting(t *testing.T) {
	c := NewPlanCache(staticLoader(), 0)
	require.NoError(t, c.Refresh(context.Background()))

	c.Add(Entry{Goal: "First goal", BestPlan: json.RawMessage(`[1]`)})
	c.Add(Entry{Goal: "first goal", BestPlan: json.RawMessage(`[2]`)})

	hit := c.Lookup("First goal", nil)
	require.NotNil(t, hit)
	assert.Equal(t, json.RawMessage(`[1]`), hit.Entry.BestPlan)
}

func TestRefreshDropsStaleEntries(t *testing.T) {
	entries := []Entry{{Goal: "old goal"}}
	loader := func(ctx context.Context) ([]Entry, error) {
		return entries, nil
	}
	c := NewPlanCache(loader, 0)
	require.NoError(t, c.Refresh(context.Background()))
	require.NotNil(t, c.Lookup("old goal", nil))

	entries = []Entry{{Goal: "new goal"}}
	require.NoError(t, c.Refresh(context.Background()))
	assert.Nil(t, c.Lookup("old goal", nil))
	assert.NotNil(t, c.Lookup("new goal", nil))
}

func TestSimilarityBounds(t *testing.T) {
	assert.Equal(t, 1.0, similarity("same", "same"))
	assert.Equal(t, 0.0, similarity("", "other"))
	score := similarity("explain indexes", "explain indices")
	assert.Greater(t, score, 0.5)
	assert.Less(t, score, 1.0)
}
