package lease

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeID(t *testing.T) {
	id, err := NewNodeID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "node-"))

	other, err := NewNodeID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestManagerGrab(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewManager(newTestStore(t, mr, "node-a", StrategyScript), "node-a")
	b := NewManager(newTestStore(t, mr, "node-b", StrategyScript), "node-b")

	ok, owner, err := a.Grab(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", owner)
	assert.Equal(t, "node-a", a.NodeID())

	ok, owner, err = b.Grab(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "node-a", owner)
}

func TestManagerRenew(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := NewManager(newTestStore(t, mr, "node-a", StrategyScript), "node-a")

	ok, _, err := a.Grab(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	gone, err := a.Renew(ctx, []string{"agent-1", "never-grabbed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"never-grabbed"}, gone)
}
