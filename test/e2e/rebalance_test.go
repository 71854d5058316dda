package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

// A joining node streams every partition reassigned to it: entry-exact
// copies, and MOVING -> OWNING on each.
func TestRebalanceStreamsMissingPartitions(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 1,
		framework.WithPartitions(4),
		framework.WithBackups(0),
	)

	ctx := context.Background()
	a := c.Node(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, a.Put(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("val-%d", i))))
	}

	// Snapshot before the join: A rents, then drops, what it hands over.
	expected := make(map[types.PartitionID]map[string][]byte)
	for p := 0; p < 4; p++ {
		part := types.PartitionID(p)
		expected[part] = make(map[string][]byte)
		for _, key := range a.Store().Keys(part) {
			entry, ok := a.Store().Peek(part, key)
			require.True(t, ok)
			expected[part][key] = entry.Value
		}
	}

	b := c.StartNode(1)
	c.AwaitMembership(2)
	c.AwaitStableOwnership()

	reassigned := 0
	for p := 0; p < 4; p++ {
		part := types.PartitionID(p)
		if b.Topology().Owners(part).Primary() != b.Self() {
			continue
		}
		reassigned++
		require.Equal(t, types.PartitionStateOwning, b.Topology().State(part))
		require.Len(t, b.Store().Keys(part), len(expected[part]))
		for key, want := range expected[part] {
			entry, ok := b.Store().Peek(part, key)
			require.True(t, ok, "key %s missing on the new owner", key)
			require.Equal(t, want, entry.Value)
		}
	}
	require.Greater(t, reassigned, 0, "the join must reassign at least one partition")

	// And the data is still reachable through either node.
	for i := 0; i < 100; i++ {
		v, err := b.Get(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}
