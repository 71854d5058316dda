package e2e

import (
	"context"
	"errors"
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/test/framework"
	"github.com/stretchr/testify/require"
)

// Two optimistic SERIALIZABLE transactions race on the same key from
// different coordinators: exactly one commits, the other fails with the
// optimistic-conflict error.
func TestOptimisticSerializableConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	c := framework.NewCluster(t, 2,
		framework.WithPartitions(4),
		framework.WithBackups(0),
	)

	ctx := context.Background()
	require.NoError(t, c.Node(0).Put(ctx, "k", []byte("0")))

	tx1 := c.Node(0).Begin(types.Optimistic, types.Serializable)
	tx2 := c.Node(1).Begin(types.Optimistic, types.Serializable)

	v, err := tx1.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("0"), v)
	v, err = tx2.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("0"), v)

	require.NoError(t, tx1.Put(ctx, "k", []byte("1")))
	require.NoError(t, tx2.Put(ctx, "k", []byte("2")))

	err1 := tx1.Commit(ctx)
	err2 := tx2.Commit(ctx)

	committed, failed := err1, err2
	want := "1"
	if err1 != nil {
		committed, failed = err2, err1
		want = "2"
	}
	require.NoError(t, committed, "exactly one transaction must commit")
	require.True(t, errors.Is(failed, types.ErrOptimisticConflict),
		"the loser must fail with the optimistic conflict error, got %v", failed)

	v, err = c.Node(0).Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, want, string(v))
}
