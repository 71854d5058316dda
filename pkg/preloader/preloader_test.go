package preloader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/affinity"
	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/topology"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

// loopback delivers exchange and rebalance messages between in-process
// preloaders, recording PartitionsSingle traffic for assertions.
type loopback struct {
	mu    sync.Mutex
	peers map[types.NodeID]*Preloader
	acks  []types.PartitionsSingle
}

func (l *loopback) get(to types.NodeID) *Preloader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[to]
}

func (l *loopback) PartitionsSingle(ctx context.Context, to types.NodeID, msg types.PartitionsSingle) error {
	l.mu.Lock()
	l.acks = append(l.acks, msg)
	l.mu.Unlock()
	if p := l.get(to); p != nil {
		p.HandlePartitionsSingle(l.from(to, msg), msg)
	}
	return nil
}

// from recovers the sender: each message here flows between exactly two
// test nodes, so the sender is whichever peer is not the recipient.
func (l *loopback) from(to types.NodeID, _ any) types.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.peers {
		if id != to {
			return id
		}
	}
	return ""
}

func (l *loopback) Demand(ctx context.Context, to types.NodeID, msg types.DemandMessage) error {
	p := l.get(to)
	if p == nil {
		return types.ErrNodeLeft
	}
	go func() { _ = p.HandleDemand(context.Background(), l.from(to, msg), msg) }()
	return nil
}

func (l *loopback) Supply(ctx context.Context, to types.NodeID, msg types.SupplyMessage) error {
	p := l.get(to)
	if p == nil {
		return types.ErrNodeLeft
	}
	p.HandleSupply(ctx, l.from(to, msg), msg)
	return nil
}

func (l *loopback) ownershipAcks(topVer uint32) []types.PartitionsSingle {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.PartitionsSingle
	for _, a := range l.acks {
		if a.TopVer == topVer && len(a.Partitions) == 1 && a.Partitions[0].State == types.PartitionStateOwning {
			out = append(out, a)
		}
	}
	return out
}

type testNode struct {
	id    types.NodeID
	topo  *topology.Topology
	store *store.Store
	pre   *Preloader
}

func newTestNode(id types.NodeID, cfg types.Config, aff *affinity.Function, lb *loopback) *testNode {
	topo := topology.New(id)
	st := store.New(cfg.Partitions)
	pre := New(id, cfg, aff, topo, st, lb)
	lb.mu.Lock()
	lb.peers[id] = pre
	lb.mu.Unlock()
	return &testNode{id: id, topo: topo, store: st, pre: pre}
}

func awaitDone(t *testing.T, ex *Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not complete")
	}
}

func seed(t *testing.T, n *testNode, aff *affinity.Function, keys int) {
	t.Helper()
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		part := aff.PartitionFor(key)
		ver := types.Version{TopVer: 1, Order: uint64(i + 1), NodeOrder: 1}
		tx := ver
		_, err := n.store.Lock(part, key, tx, time.Second)
		require.NoError(t, err)
		n.store.Stage(part, key, types.WriteOp{Key: key, Value: []byte(fmt.Sprintf("val-%d", i))}, tx)
		_, err = n.store.Commit(part, key, tx, ver)
		require.NoError(t, err)
	}
}

func testCfg() types.Config {
	cfg := types.DefaultConfig()
	cfg.Partitions = 4
	cfg.Backups = 0
	cfg.PreloadBatchSize = 64 // force multiple batches
	cfg.RebalanceThreads = 2
	return cfg
}

func TestFreshClusterOwnsEmptyPartitions(t *testing.T) {
	cfg := testCfg()
	aff := affinity.New(cfg.Partitions, cfg.Backups)
	lb := &loopback{peers: map[types.NodeID]*Preloader{}}
	a := newTestNode("A", cfg, aff, lb)

	ex := a.pre.StartExchange(context.Background(), 1, []types.NodeID{"A"})
	awaitDone(t, ex)

	for i := 0; i < cfg.Partitions; i++ {
		require.Equal(t, types.PartitionStateOwning, a.topo.State(types.PartitionID(i)))
	}
}

func TestRebalanceStreamsMissingPartitions(t *testing.T) {
	cfg := testCfg()
	aff := affinity.New(cfg.Partitions, cfg.Backups)
	lb := &loopback{peers: map[types.NodeID]*Preloader{}}
	a := newTestNode("A", cfg, aff, lb)

	awaitDone(t, a.pre.StartExchange(context.Background(), 1, []types.NodeID{"A"}))
	seed(t, a, aff, 100)

	// Snapshot A's data up front: after handover A rents, then drops,
	// the partitions it no longer owns.
	expected := make(map[types.PartitionID]map[string]types.Entry)
	for i := 0; i < cfg.Partitions; i++ {
		part := types.PartitionID(i)
		expected[part] = make(map[string]types.Entry)
		for _, key := range a.store.Keys(part) {
			e, ok := a.store.Peek(part, key)
			require.True(t, ok)
			expected[part][key] = e
		}
	}

	b := newTestNode("B", cfg, aff, lb)
	nodes := []types.NodeID{"A", "B"}
	exA := a.pre.StartExchange(context.Background(), 2, nodes)
	exB := b.pre.StartExchange(context.Background(), 2, nodes)
	awaitDone(t, exA)
	awaitDone(t, exB)

	snap := affinity.Snapshot{TopVer: 2, Nodes: nodes}
	reassigned := 0
	for i := 0; i < cfg.Partitions; i++ {
		part := types.PartitionID(i)
		if aff.Owners(part, snap).Primary() != "B" {
			continue
		}
		reassigned++
		require.Equal(t, types.PartitionStateOwning, b.topo.State(part))
		// Entries on B match what A held exactly.
		want := expected[part]
		require.Len(t, b.store.Keys(part), len(want))
		for key, ae := range want {
			be, ok := b.store.Peek(part, key)
			require.True(t, ok, "key %s missing on B", key)
			require.Equal(t, ae.Value, be.Value)
			require.Equal(t, ae.Version, be.Version)
		}
		// A handed the partition over and may drop it once B acked.
		require.Eventually(t, func() bool {
			st := a.topo.State(part)
			return st == types.PartitionStateRenting || st == types.PartitionStateEvicted
		}, 2*time.Second, 10*time.Millisecond)
	}
	require.Greater(t, reassigned, 0, "the affinity must hand B at least one partition")
	require.GreaterOrEqual(t, len(lb.ownershipAcks(2)), reassigned,
		"every reassigned partition must be acknowledged with a PartitionsSingle")
}

func TestPartitionLostWhenNoOwnerSurvives(t *testing.T) {
	cfg := testCfg()
	aff := affinity.New(cfg.Partitions, cfg.Backups)
	lb := &loopback{peers: map[types.NodeID]*Preloader{}}
	a := newTestNode("A", cfg, aff, lb)
	b := newTestNode("B", cfg, aff, lb)

	nodes := []types.NodeID{"A", "B"}
	awaitDone(t, a.pre.StartExchange(context.Background(), 1, nodes))
	awaitDone(t, b.pre.StartExchange(context.Background(), 1, nodes))

	// A vanishes without handing anything over.
	lb.mu.Lock()
	delete(lb.peers, "A")
	lb.mu.Unlock()

	exB := b.pre.StartExchange(context.Background(), 2, []types.NodeID{"B"})
	awaitDone(t, exB)

	snap1 := affinity.Snapshot{TopVer: 1, Nodes: nodes}
	lost := 0
	for i := 0; i < cfg.Partitions; i++ {
		part := types.PartitionID(i)
		if aff.Owners(part, snap1).Primary() == "A" {
			require.Equal(t, types.PartitionStateLost, b.topo.State(part))
			lost++
		}
	}
	require.Greater(t, lost, 0)
}

func TestSupersededExchangeReleasesWaiters(t *testing.T) {
	cfg := testCfg()
	aff := affinity.New(cfg.Partitions, cfg.Backups)
	lb := &loopback{peers: map[types.NodeID]*Preloader{}}
	a := newTestNode("A", cfg, aff, lb)

	// An exchange that cannot complete its barrier (peer never reports).
	ex1 := a.pre.StartExchange(context.Background(), 1, []types.NodeID{"A", "ghost"})
	ex2 := a.pre.StartExchange(context.Background(), 2, []types.NodeID{"A"})

	awaitDone(t, ex1)
	require.True(t, ex1.Superseded())
	awaitDone(t, ex2)
	require.False(t, ex2.Superseded())
}

func TestStaleSupplyIgnored(t *testing.T) {
	cfg := testCfg()
	aff := affinity.New(cfg.Partitions, cfg.Backups)
	lb := &loopback{peers: map[types.NodeID]*Preloader{}}
	a := newTestNode("A", cfg, aff, lb)
	awaitDone(t, a.pre.StartExchange(context.Background(), 3, []types.NodeID{"A"}))

	a.pre.HandleSupply(context.Background(), "B", types.SupplyMessage{
		TopVer: 2, // older than the current exchange
		PartID: 0,
		Entries: []types.SuppliedEntry{
			{Key: "stale", Value: []byte("x"), Version: types.Version{Order: 99}},
		},
		Last: true,
	})
	_, ok := a.store.Peek(0, "stale")
	require.False(t, ok)
}
