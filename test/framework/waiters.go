package framework

import (
	"strconv"
	"time"

	"github.com/gridcache/gridcache/pkg/cache"
	"github.com/gridcache/gridcache/pkg/types"
)

// AwaitMembership blocks until every running node sees exactly size
// members.
func (c *Cluster) AwaitMembership(size int) {
	c.t.Helper()
	c.eventually(30*time.Second, "membership to converge", func() bool {
		for _, n := range c.nodes {
			if len(n.Member().NodeIDs()) != size {
				return false
			}
		}
		return true
	})
}

// AwaitStableOwnership blocks until, on every running node, every
// partition assigned to it is OWNING (or LOST), and the current
// exchange future has fired.
func (c *Cluster) AwaitStableOwnership() {
	c.t.Helper()
	c.eventually(30*time.Second, "partition ownership to settle", func() bool {
		for _, n := range c.nodes {
			ex := n.Preloader().Current()
			if ex == nil {
				return false
			}
			select {
			case <-ex.Done():
			default:
				return false
			}
			snap := n.Topology().Snapshot()
			if len(snap.Partitions) == 0 {
				return false
			}
			for _, info := range snap.Partitions {
				if !info.Owners.Contains(n.Self()) {
					continue
				}
				if info.State != types.PartitionStateOwning && info.State != types.PartitionStateLost {
					return false
				}
			}
		}
		return true
	})
}

// KeyWithPrimary hunts for a key whose primary at the current topology
// is the given node, by probing generated keys against the affinity
// function.
func (c *Cluster) KeyWithPrimary(prefix string, primary types.NodeID) string {
	c.t.Helper()
	n := c.anyNode()
	for i := 0; i < 100000; i++ {
		key := prefix + "-" + itoa(i)
		part := n.Affinity().PartitionFor(key)
		if n.Topology().Owners(part).Primary() == primary {
			return key
		}
	}
	c.t.Fatalf("no key found with primary %s", primary)
	return ""
}

// KeyNotOwnedBy hunts for a key whose owner list excludes the given
// node, so a Get from that node goes through the near-cache path.
func (c *Cluster) KeyNotOwnedBy(prefix string, node types.NodeID) string {
	c.t.Helper()
	n := c.anyNode()
	for i := 0; i < 100000; i++ {
		key := prefix + "-" + itoa(i)
		part := n.Affinity().PartitionFor(key)
		owners := n.Topology().Owners(part)
		if len(owners) > 0 && !owners.Contains(node) {
			return key
		}
	}
	c.t.Fatalf("no key found avoiding owner %s", node)
	return ""
}

func (c *Cluster) anyNode() *cache.Node {
	for _, n := range c.nodes {
		return n
	}
	c.t.Fatal("cluster has no running nodes")
	return nil
}

func itoa(i int) string { return strconv.Itoa(i) }
