package e2e

import (
	"context"
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

// With maxBlocks=3 and five single-block puts, exactly the three most
// recent keys stay resident; touching one promotes it past a later put's
// eviction sweep.
func TestLRUBoundUnderPuts(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 1,
		framework.WithPartitions(4),
		framework.WithBackups(0),
		framework.WithEviction(types.EvictionConfig{
			MaxBlocks:     3,
			BlockSize:     64 << 10,
			MaxEvictTries: 32,
		}),
	)

	ctx := context.Background()
	n := c.Node(0)
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range keys {
		require.NoError(t, n.Put(ctx, k, []byte("v")))
	}

	resident := func(key string) bool {
		_, ok := n.Store().Peek(n.Affinity().PartitionFor(key), key)
		return ok
	}

	// Quiescent: the three most recently put keys survive.
	for _, k := range []string{"k1", "k2"} {
		require.False(t, resident(k), "%s must have been evicted", k)
	}
	for _, k := range []string{"k3", "k4", "k5"} {
		require.True(t, resident(k), "%s must be resident", k)
	}

	// A read moves k3 to MRU; the next put evicts the tail (k4), not k3.
	_, err := n.Get(ctx, "k3")
	require.NoError(t, err)
	require.NoError(t, n.Put(ctx, "k6", []byte("v")))

	require.False(t, resident("k4"), "k4 was the LRU tail after touching k3")
	require.True(t, resident("k3"))
	require.True(t, resident("k5"))
	require.True(t, resident("k6"))
}
