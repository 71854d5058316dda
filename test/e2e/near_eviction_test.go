package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/cache"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

func primaryOf(c *framework.Cluster, key string) *cache.Node {
	for _, n := range c.Nodes() {
		part := n.Affinity().PartitionFor(key)
		if n.Topology().Owners(part).Primary() == n.Self() {
			return n
		}
	}
	return nil
}

// A reader that evicts its near entry is unregistered at the primary:
// the next update must not address it, and its next read re-fetches the
// new version.
func TestNearEvictionUnregistersReader(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 3,
		framework.WithPartitions(8),
		framework.WithBackups(1),
		framework.WithNearCache(),
	)

	ctx := context.Background()
	reader := c.Node(2)
	key := c.KeyNotOwnedBy("near", reader.Self())
	part := reader.Affinity().PartitionFor(key)

	require.NoError(t, c.Node(0).Put(ctx, key, []byte("v1")))

	// Miss-fetch installs a near entry and registers the reader.
	v, err := reader.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	primary := primaryOf(c, key)
	require.NotNil(t, primary)
	require.Eventually(t, func() bool {
		entry, ok := primary.Store().Peek(part, key)
		return ok && entry.HasReader(reader.Self())
	}, 5*time.Second, 50*time.Millisecond, "primary must register the reader")

	// Near eviction unregisters the reader at the primary.
	reader.EvictNear(ctx, key)
	require.Eventually(t, func() bool {
		entry, ok := primary.Store().Peek(part, key)
		return ok && !entry.HasReader(reader.Self())
	}, 5*time.Second, 50*time.Millisecond, "eviction must unregister the reader")

	// An update now fans out to nobody; the reader re-fetches on its
	// next Get and observes the new version.
	require.NoError(t, c.Node(0).Put(ctx, key, []byte("v2")))
	require.Eventually(t, func() bool {
		v, err := reader.Get(ctx, key)
		return err == nil && string(v) == "v2"
	}, 5*time.Second, 50*time.Millisecond)
}

// Without eviction the reader's stale copy is invalidated on update —
// the one-generation-behind bound.
func TestNearInvalidationOnUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 3,
		framework.WithPartitions(8),
		framework.WithBackups(1),
		framework.WithNearCache(),
	)

	ctx := context.Background()
	reader := c.Node(2)
	key := c.KeyNotOwnedBy("inv", reader.Self())

	require.NoError(t, c.Node(0).Put(ctx, key, []byte("v1")))
	v, err := reader.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, c.Node(0).Put(ctx, key, []byte("v2")))

	require.Eventually(t, func() bool {
		v, err := reader.Get(ctx, key)
		return err == nil && string(v) == "v2"
	}, 5*time.Second, 50*time.Millisecond, "the near copy must be invalidated and re-fetched")
}
