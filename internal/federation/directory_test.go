package federation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafedhq/datafed/pkg/logger"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreateNode(ctx, &Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"}))
	require.NoError(t, store.CreateNode(ctx, &Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta"}))
	require.NoError(t, store.UpsertIdentity(ctx, &Identity{Identifier: "alice", NodeID: "node-a"}))
	require.NoError(t, store.UpsertIdentity(ctx, &Identity{Identifier: "anna", NodeID: "node-a"}))
	require.NoError(t, store.UpsertIdentity(ctx, &Identity{Identifier: "bob", NodeID: "node-b"}))

	log := logger.New("federation-test", "dev")
	log.DisableConsoleOutput()
	return NewDirectory(store, "node-a", log)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	d := testDirectory(t)

	node, err := d.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "node-a", node.ID)

	_, err = d.Resolve(ctx, "stranger")
	assert.ErrorIs(t, err, ErrIdentityUnknown)
}

func TestSameNode(t *testing.T) {
	ctx := context.Background()
	d := testDirectory(t)

	same, err := d.SameNode(ctx, "alice", "anna")
	require.NoError(t, err)
	assert.True(t, same)

	same, err = d.SameNode(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, same)
}

func TestIsLocal(t *testing.T) {
	ctx := context.Background()
	d := testDirectory(t)

	local, err := d.IsLocal(ctx, "anna")
	require.NoError(t, err)
	assert.True(t, local)

	local, err = d.IsLocal(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, local)
}
