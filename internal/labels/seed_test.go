package labels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *fakeStore) UpsertNamespace(ctx context.Context, ns Namespace) error {
	s.namespaces = append(s.namespaces, ns)
	return nil
}

const seedDoc = `
namespaces:
  - name: support
    description: Customer support goals
    allowed_tools: [tool_echo]
    labels:
      - name: database
        best_practices: check the schema first
        children:
          - name: performance
          - name: replication
      - name: networking
`

func TestParseSeed(t *testing.T) {
	namespaces, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.Len(t, namespaces, 1)

	ns := namespaces[0]
	assert.Equal(t, "support", ns.Name)
	assert.Equal(t, []string{"tool_echo"}, ns.AllowedTools)
	require.Len(t, ns.Labels, 2)
	assert.Equal(t, "check the schema first", ns.Labels[0].BestPractices)
	require.Len(t, ns.Labels[0].Children, 2)
	assert.Equal(t, "replication", ns.Labels[0].Children[1].Name)
}

func TestParseSeedRejectsMissingNames(t *testing.T) {
	_, err := ParseSeed([]byte("namespaces:\n  - description: no name\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("namespaces:\n  - name: ok\n    labels:\n      - description: nameless\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("namespaces: [\n"))
	assert.Error(t, err)
}

func TestApplySeedCreatesForest(t *testing.T) {
	store := newFakeStore(nil, nil)
	namespaces, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.NoError(t, ApplySeed(context.Background(), store, namespaces))

	require.Len(t, store.namespaces, 1)
	assert.Equal(t, "support", store.namespaces[0].Name)

	root, err := store.FindLabel(context.Background(), "support", "database", nil)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, "check the schema first", root.BestPractices)

	child, err := store.FindLabel(context.Background(), "support", "performance", &root.ID)
	require.NoError(t, err)
	require.NotNil(t, child)
}

func TestApplySeedIsIdempotent(t *testing.T) {
	store := newFakeStore(nil, nil)
	namespaces, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)

	require.NoError(t, ApplySeed(context.Background(), store, namespaces))
	created := len(store.labels)
	require.NoError(t, ApplySeed(context.Background(), store, namespaces))
	assert.Len(t, store.labels, created)
}
