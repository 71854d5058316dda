package framework

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/cache"
	"github.com/gridcache/gridcache/pkg/config"
	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/types"
)

// Option tweaks the per-node cache configuration before startup.
type Option func(*config.NodeConfig)

// WithCacheConfig replaces the cache options wholesale.
func WithCacheConfig(cc types.Config) Option {
	return func(nc *config.NodeConfig) { nc.Cache = cc }
}

// WithPartitions sets the partition count.
func WithPartitions(n int) Option {
	return func(nc *config.NodeConfig) { nc.Cache.Partitions = n }
}

// WithBackups sets the backup count.
func WithBackups(n int) Option {
	return func(nc *config.NodeConfig) { nc.Cache.Backups = n }
}

// WithNearCache enables near-cache replicas on non-owners.
func WithNearCache() Option {
	return func(nc *config.NodeConfig) { nc.Cache.DistributionMode = types.NearPartitioned }
}

// WithEviction sets the eviction limits.
func WithEviction(ec types.EvictionConfig) Option {
	return func(nc *config.NodeConfig) { nc.Cache.Eviction = ec }
}

// WithWriteSync sets the write synchronization mode.
func WithWriteSync(m types.WriteSyncMode) Option {
	return func(nc *config.NodeConfig) { nc.Cache.WriteSync = m }
}

// Cluster is an in-process cluster of cache nodes sharing nothing but
// loopback TCP, each with its own data directory.
type Cluster struct {
	t     *testing.T
	opts  []Option
	nodes map[types.NodeID]*cache.Node
	addrs map[types.NodeID]string
}

// NewCluster starts size nodes: the first bootstraps, the rest join it,
// and the call returns once every member sees the full cluster and
// every partition has settled.
func NewCluster(t *testing.T, size int, opts ...Option) *Cluster {
	t.Helper()
	log.Init(log.Config{Level: log.WarnLevel})

	c := &Cluster{
		t:     t,
		opts:  opts,
		nodes: make(map[types.NodeID]*cache.Node),
		addrs: make(map[types.NodeID]string),
	}
	for i := 0; i < size; i++ {
		c.StartNode(i)
	}
	c.AwaitMembership(size)
	c.AwaitStableOwnership()
	return c
}

func nodeID(i int) types.NodeID {
	return types.NodeID(fmt.Sprintf("node-%d", i+1))
}

// StartNode starts the i-th node (0-based). The first node started
// bootstraps the cluster; later nodes join through a live member.
func (c *Cluster) StartNode(i int) *cache.Node {
	c.t.Helper()
	id := nodeID(i)

	cfg := config.Default()
	cfg.NodeID = string(id)
	cfg.DispatchAddr = freeAddr(c.t)
	cfg.RaftAddr = freeAddr(c.t)
	cfg.DataDir = c.t.TempDir()
	cfg.MetricsAddr = "" // one registry per process; no scrape endpoint in tests
	for _, addr := range c.addrs {
		cfg.JoinAddr = addr
		break
	}
	for _, opt := range c.opts {
		opt(&cfg)
	}

	node, err := cache.NewNode(cfg)
	if err != nil {
		c.t.Fatalf("failed to create %s: %v", id, err)
	}
	if err := node.Start(context.Background()); err != nil {
		c.t.Fatalf("failed to start %s: %v", id, err)
	}
	c.nodes[id] = node
	c.addrs[id] = cfg.DispatchAddr
	c.t.Cleanup(func() {
		if _, alive := c.nodes[id]; alive {
			node.Stop()
		}
	})
	return node
}

// Node returns a running node by index (0-based start order).
func (c *Cluster) Node(i int) *cache.Node {
	n, ok := c.nodes[nodeID(i)]
	if !ok {
		c.t.Fatalf("node %d is not running", i+1)
	}
	return n
}

// Nodes returns every running node.
func (c *Cluster) Nodes() []*cache.Node {
	out := make([]*cache.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// StopNode kills one node; the failure detector expels it and the
// survivors rebalance.
func (c *Cluster) StopNode(i int) {
	c.t.Helper()
	id := nodeID(i)
	n, ok := c.nodes[id]
	if !ok {
		c.t.Fatalf("node %d is not running", i+1)
	}
	delete(c.nodes, id)
	delete(c.addrs, id)
	n.Stop()
}

// freeAddr grabs an ephemeral loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

// eventually polls cond until it holds or the deadline passes.
func (c *Cluster) eventually(timeout time.Duration, what string, cond func() bool) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %s", what)
}
