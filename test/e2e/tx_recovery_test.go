package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

// prepareTx stages a prepared-but-unfinished pessimistic transaction on
// two participants, as their coordinator would just before dying.
func prepareTx(t *testing.T, c *framework.Cluster, coordinator types.NodeID, txID types.TxID, writes map[int]string) {
	t.Helper()
	ctx := context.Background()
	for i, key := range writes {
		resp := c.Node(i).Txns().HandlePrepare(ctx, coordinator, types.PrepareRequest{
			TxID:        txID,
			WriteSet:    map[string]types.WriteOp{key: {Key: key, Value: []byte("committed-value")}},
			Concurrency: types.Pessimistic,
		})
		require.True(t, resp.OK)
	}
}

// Coordinator dies after every participant prepared but before any
// finish arrived: every survivor must roll back.
func TestRecoveryRollsBackUnfinishedTransaction(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 3,
		framework.WithPartitions(8),
		framework.WithBackups(1),
	)

	coordinator := c.Node(0).Self()
	k1 := c.KeyWithPrimary("k1", c.Node(1).Self())
	k2 := c.KeyWithPrimary("k2", c.Node(2).Self())
	txID := types.Version{TopVer: 1, GlobalTime: uint64(time.Now().UnixNano()), Order: 1, NodeOrder: 1}

	prepareTx(t, c, coordinator, txID, map[int]string{1: k1, 2: k2})

	c.StopNode(0)
	c.AwaitMembership(2)

	ctx := context.Background()
	for i, key := range map[int]string{1: k1, 2: k2} {
		n := c.Node(i)
		require.Eventually(t, func() bool {
			_, err := n.Get(ctx, key)
			return err != nil // rolled back: no value anywhere
		}, 15*time.Second, 100*time.Millisecond)

		// Locks must be free again once the outcome is applied.
		require.Eventually(t, func() bool {
			return n.Put(ctx, key, []byte("after")) == nil
		}, 15*time.Second, 100*time.Millisecond)
	}
}

// Coordinator dies after its finish reached one participant: every
// survivor must commit — never one-sided.
func TestRecoveryCommitsWhenOneParticipantFinished(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 3,
		framework.WithPartitions(8),
		framework.WithBackups(1),
	)

	coordinator := c.Node(0).Self()
	k1 := c.KeyWithPrimary("k1", c.Node(1).Self())
	k2 := c.KeyWithPrimary("k2", c.Node(2).Self())
	txID := types.Version{TopVer: 1, GlobalTime: uint64(time.Now().UnixNano()), Order: 2, NodeOrder: 1}

	prepareTx(t, c, coordinator, txID, map[int]string{1: k1, 2: k2})

	// The coordinator's finish reached node 2 before it died.
	resp := c.Node(1).Txns().HandleFinish(context.Background(), coordinator,
		types.FinishRequest{TxID: txID, Commit: true})
	require.True(t, resp.OK)

	c.StopNode(0)
	c.AwaitMembership(2)

	ctx := context.Background()
	for i, key := range map[int]string{1: k1, 2: k2} {
		n := c.Node(i)
		require.Eventually(t, func() bool {
			v, err := n.Get(ctx, key)
			return err == nil && string(v) == "committed-value"
		}, 15*time.Second, 100*time.Millisecond, "node %d must commit %s", i+1, key)
	}
}
