package affinity

import (
	"hash/fnv"
	"sort"

	"github.com/gridcache/gridcache/pkg/types"
)

// Snapshot is the live-node input to the affinity function: the set of
// nodes considered for ownership at a given topology version. All nodes
// must compute Owners from byte-identical Snapshots to agree.
type Snapshot struct {
	TopVer uint32
	Nodes  []types.NodeID
}

// Function is the pure, stateless key->partition->owners mapping.
type Function struct {
	partitions int
	backups    int
}

// New builds a Function for a fixed partition count and backup count.
// Both are cluster-wide configuration, identical on every node.
func New(partitions, backups int) *Function {
	if partitions <= 0 {
		partitions = 1024
	}
	if backups < 0 {
		backups = 0
	}
	return &Function{partitions: partitions, backups: backups}
}

// PartitionFor returns the partition a key maps to. This mapping never
// changes with topology — only the owners of a partition do.
func (f *Function) PartitionFor(key string) types.PartitionID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return types.PartitionID(h.Sum32() % uint32(f.partitions))
}

// Owners computes [primary, backup1, ...] for a partition given a
// Snapshot, via rendezvous hashing: score every live node against the
// partition, sort by score descending, take backups+1.
func (f *Function) Owners(part types.PartitionID, snap Snapshot) types.PartitionOwners {
	if len(snap.Nodes) == 0 {
		return nil
	}
	scored := make([]scoredNode, len(snap.Nodes))
	for i, n := range snap.Nodes {
		scored[i] = scoredNode{node: n, score: rendezvousScore(part, n)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node < scored[j].node
	})

	want := f.backups + 1
	if want > len(scored) {
		want = len(scored)
	}
	owners := make(types.PartitionOwners, want)
	for i := 0; i < want; i++ {
		owners[i] = scored[i].node
	}
	return owners
}

// Partitions returns the configured partition count.
func (f *Function) Partitions() int { return f.partitions }

// Backups returns the configured backup count.
func (f *Function) Backups() int { return f.backups }

type scoredNode struct {
	node  types.NodeID
	score uint64
}

func rendezvousScore(part types.PartitionID, node types.NodeID) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	buf[0] = byte(part)
	buf[1] = byte(part >> 8)
	buf[2] = byte(part >> 16)
	buf[3] = byte(part >> 24)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(node))
	return h.Sum64()
}
