package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

// A put survives a node leaving: every surviving node still serves the
// value after the exchange, and the key's primary owns its partition.
func TestPutGetAcrossTopologyChange(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 3,
		framework.WithPartitions(4),
		framework.WithBackups(1),
	)

	ctx := context.Background()
	require.NoError(t, c.Node(0).Put(ctx, "a", []byte("1")))

	for i := 0; i < 3; i++ {
		n := c.Node(i)
		// Backups replicate asynchronously under PRIMARY_SYNC.
		require.Eventually(t, func() bool {
			v, err := n.Get(ctx, "a")
			return err == nil && string(v) == "1"
		}, 5*time.Second, 50*time.Millisecond, "node %d", i+1)
	}

	c.StopNode(1)
	c.AwaitMembership(2)
	c.AwaitStableOwnership()

	for _, i := range []int{0, 2} {
		n := c.Node(i)
		require.Eventually(t, func() bool {
			v, err := n.Get(ctx, "a")
			return err == nil && string(v) == "1"
		}, 10*time.Second, 100*time.Millisecond, "node %d must still serve the value", i+1)

		part := n.Affinity().PartitionFor("a")
		owners := n.Topology().Owners(part)
		require.NotEmpty(t, owners)
		if owners.Contains(n.Self()) {
			require.Equal(t, types.PartitionStateOwning, n.Topology().State(part))
		}
	}
}
