package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariableStoreSetAndGet(t *testing.T) {
	store := NewVariableStore()
	store.Set("name", "gopher")

	value, ok := store.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "gopher", value)
	assert.Equal(t, 1, store.Refs()["name"])
}

func TestVariableStoreGarbageCollect(t *testing.T) {
	store := NewVariableStore()
	store.SetWithRefs("keep", "a", 2)
	store.SetWithRefs("drop", "b", 1)

	store.DecreaseRefCount("keep")
	store.DecreaseRefCount("drop")
	store.GarbageCollect()

	assert.True(t, store.Has("keep"))
	assert.False(t, store.Has("drop"))
}

func TestVariableStoreDecreaseUnknownIsNoop(t *testing.T) {
	store := NewVariableStore()
	store.DecreaseRefCount("missing")
	store.GarbageCollect()
	assert.Empty(t, store.Values())
}

func TestInterpolateReplacesReferences(t *testing.T) {
	store := NewVariableStore()
	store.Set("city", "Berlin")
	store.Set("weather", map[string]any{"temp": float64(21)})

	out := store.Interpolate("It is ${weather.temp} degrees in ${city}.")
	assert.Equal(t, "It is 21 degrees in Berlin.", out)
}

func TestInterpolateLeavesUnknownReferences(t *testing.T) {
	store := NewVariableStore()
	out := store.Interpolate("value: ${unknown}")
	assert.Equal(t, "value: ${unknown}", out)
}

func TestInterpolateNonStringPassesThrough(t *testing.T) {
	store := NewVariableStore()
	assert.Equal(t, 42, store.Interpolate(42))
}

func TestInterpolateMissingSubKeyKeepsReference(t *testing.T) {
	store := NewVariableStore()
	store.Set("doc", map[string]any{"title": "intro"})
	out := store.Interpolate("${doc.body}")
	assert.Equal(t, "${doc.body}", out)
}

func TestFindRefsDeduplicatesInOrder(t *testing.T) {
	refs := FindRefs("${a} then ${b.sub} then ${a}")
	assert.Equal(t, []string{"a", "b"}, refs)
}

func TestFindKnownRefsFiltersByStore(t *testing.T) {
	store := NewVariableStore()
	store.Set("a", 1)
	known := store.FindKnownRefs("${a} and ${b}")
	assert.Equal(t, []string{"a"}, known)
}

func TestStringifyRendersScalarsAndJSON(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "3.5", Stringify(3.5))
	assert.Equal(t, "7", Stringify(float64(7)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}
