package affinity

import (
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

func nodes(ids ...string) []types.NodeID {
	out := make([]types.NodeID, len(ids))
	for i, id := range ids {
		out[i] = types.NodeID(id)
	}
	return out
}

func TestOwnersDeterministic(t *testing.T) {
	f := New(16, 1)
	snap := Snapshot{TopVer: 1, Nodes: nodes("a", "b", "c")}

	for p := types.PartitionID(0); p < 16; p++ {
		o1 := f.Owners(p, snap)
		o2 := f.Owners(p, snap)
		require.Equal(t, o1, o2, "affinity must be a pure function of (partition, snapshot)")
	}
}

func TestOwnersSizeAndUniqueness(t *testing.T) {
	f := New(8, 2)
	snap := Snapshot{TopVer: 1, Nodes: nodes("a", "b", "c", "d")}

	for p := types.PartitionID(0); p < 8; p++ {
		owners := f.Owners(p, snap)
		require.Len(t, owners, 3)
		seen := map[types.NodeID]bool{}
		for _, o := range owners {
			require.False(t, seen[o], "owner list must not repeat a node")
			seen[o] = true
		}
	}
}

func TestStabilityOnNodeJoin(t *testing.T) {
	f := New(64, 1)
	before := Snapshot{TopVer: 1, Nodes: nodes("a", "b", "c")}
	after := Snapshot{TopVer: 2, Nodes: nodes("a", "b", "c", "d")}

	changed := 0
	for p := types.PartitionID(0); p < 64; p++ {
		ob := f.Owners(p, before)
		oa := f.Owners(p, after)
		if !equalOwners(ob, oa) {
			changed++
		}
	}
	// Stability bound: at most ceil(N/M)*(k+1) tuples change
	// for one join into an M-node cluster with k backups.
	bound := ((64 + 3) / 4) * 2
	require.LessOrEqual(t, changed, bound)
}

func equalOwners(a, b types.PartitionOwners) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
