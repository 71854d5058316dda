package cache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridcache/gridcache/pkg/affinity"
	"github.com/gridcache/gridcache/pkg/config"
	"github.com/gridcache/gridcache/pkg/dispatch"
	"github.com/gridcache/gridcache/pkg/eviction"
	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/membership"
	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/near"
	"github.com/gridcache/gridcache/pkg/persist"
	"github.com/gridcache/gridcache/pkg/preloader"
	"github.com/gridcache/gridcache/pkg/recovery"
	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/topology"
	"github.com/gridcache/gridcache/pkg/txn"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/pkg/version"
	"github.com/rs/zerolog"
)

// Node is one cluster member: it wires every component together and
// exposes the cache API. Ownership is strictly one-way — the node owns
// its components, partitions own entry maps, entries carry only their
// partition ID — and cross-component access flows through the narrow
// interfaces each package declares.
type Node struct {
	cfg    config.NodeConfig
	self   types.NodeID
	logger zerolog.Logger

	member *membership.Manager
	disp   *dispatch.Dispatcher
	oracle *version.Oracle
	aff    *affinity.Function
	topo   *topology.Topology
	store  *store.Store
	near   *near.Cache
	fanout *near.Fanout
	evict  *eviction.Policy
	txns   *txn.Manager
	rec    *recovery.Manager
	pre    *preloader.Preloader
	pstore persist.Store

	public *pool

	lis net.Listener

	mu        sync.Mutex
	prevNodes map[types.NodeID]bool

	// backpressure is set by EVICT_STALL and slows new puts down until
	// the eviction policy makes progress again.
	backpressure atomic.Bool

	stopCh chan struct{}
}

// backpressureDelay is the per-put slowdown applied while eviction is
// stalled.
const backpressureDelay = 5 * time.Millisecond

// NewNode builds an unstarted Node from configuration.
func NewNode(cfg config.NodeConfig) (*Node, error) {
	self := types.NodeID(cfg.NodeID)

	n := &Node{
		cfg:       cfg,
		self:      self,
		logger:    log.WithComponent("cache"),
		aff:       affinity.New(cfg.Cache.Partitions, cfg.Cache.Backups),
		topo:      topology.New(self),
		store:     store.New(cfg.Cache.Partitions),
		near:      near.New(),
		evict:     eviction.New(cfg.Cache.Eviction),
		disp:      dispatch.New(self),
		public:    newPool(64),
		prevNodes: make(map[types.NodeID]bool),
		stopCh:    make(chan struct{}),
	}

	member, err := membership.NewManager(membership.Config{
		NodeID:       self,
		RaftAddr:     cfg.RaftAddr,
		DispatchAddr: cfg.DispatchAddr,
		DataDir:      cfg.DataDir,
	})
	if err != nil {
		return nil, err
	}
	n.member = member

	if cfg.PersistEnable {
		ps, err := persist.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		n.pstore = ps
	}

	return n, nil
}

// Start brings the node up: transport, handlers, membership (bootstrap
// or join), and the component wiring between store, eviction, near cache
// and transactions.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.DispatchAddr)
	if err != nil {
		return fmt.Errorf("cache: listen on %s: %w", n.cfg.DispatchAddr, err)
	}
	n.lis = lis

	// The oracle's node order is refined once membership is known; a
	// provisional order of 0 only matters for tie-breaks before the
	// first exchange, when no other node exists to tie with.
	n.oracle = version.New(0)

	router := &nodeRouter{n: n}
	transport := &nodeTransport{n: n}
	n.txns = txn.NewManager(n.self, n.store, n.oracle, router, transport, n.cfg.Cache)
	n.rec = recovery.NewManager(n.self, n.txns, transport, n.member.NodeIDs, n.cfg.Cache)
	n.pre = preloader.New(n.self, n.cfg.Cache, n.aff, n.topo, n.store, transport)
	n.fanout = near.NewFanout(transport, n.cfg.Cache.WriteSync)

	n.wireStore()
	n.wireEviction()
	n.registerHandlers()

	go func() {
		if err := n.disp.Serve(lis); err != nil {
			n.logger.Error().Err(err).Msg("dispatch transport stopped")
		}
	}()

	n.member.FSM().OnChange(n.onMembershipChanged)

	if n.cfg.JoinAddr == "" {
		if err := n.member.Bootstrap(); err != nil {
			return err
		}
	} else {
		if err := n.member.StartFollower(); err != nil {
			return err
		}
		if err := n.join(ctx); err != nil {
			return err
		}
	}

	n.logger.Info().Str("node", string(n.self)).Str("addr", n.cfg.DispatchAddr).Msg("cache node started")
	return nil
}

// join asks the cluster to admit this node, following leader redirects.
func (n *Node) join(ctx context.Context) error {
	req := types.JoinRequest{
		NodeID:   n.self,
		Addr:     n.cfg.RaftAddr,
		Dispatch: n.cfg.DispatchAddr,
	}
	addr := n.cfg.JoinAddr
	for attempt := 0; attempt < 5; attempt++ {
		var resp types.JoinResponse
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := dispatch.Call(callCtx, addr, n.self, types.KindJoinRequest, req, &resp)
		cancel()
		if err != nil {
			return fmt.Errorf("cache: join via %s: %w", addr, err)
		}
		if resp.OK {
			return nil
		}
		if resp.LeaderAddr != "" && resp.LeaderAddr != addr {
			addr = resp.LeaderAddr
			continue
		}
		return fmt.Errorf("cache: join rejected: %s", resp.Err)
	}
	return fmt.Errorf("cache: join gave up after too many leader redirects")
}

// wireStore connects the entry store's commit/evict callbacks to the
// near-cache fan-out, the eviction policy, and the write-behind store.
func (n *Node) wireStore() {
	n.store.OnCommit(func(part types.PartitionID, key string, entry types.Entry, tx types.TxID) {
		// Near readers learn about the new version; the reader set is
		// cleared in the same step.
		if err := n.fanout.Dispatch(context.Background(), n.store, part, key, entry.Version, tx); err != nil {
			n.logger.Warn().Str("key", key).Err(err).Msg("near invalidation fan-out failed")
		}

		if entry.Tombstone {
			n.evict.OnRemove(part, key, len(entry.Value))
			n.topo.OnEntryRemoved(part)
		} else {
			n.evict.OnPut(part, key, len(entry.Value))
			n.topo.OnEntryAdded(part)
		}

		if n.pstore != nil {
			supplied := types.SuppliedEntry{Key: key, Value: entry.Value, Tombstone: entry.Tombstone, Version: entry.Version}
			n.public.Run(func() {
				var err error
				if entry.Tombstone {
					err = n.pstore.Remove(part, key)
				} else {
					err = n.pstore.Put(part, supplied)
				}
				if err != nil {
					n.logger.Warn().Str("key", key).Err(err).Msg("write-behind failed")
				}
			})
		}
	})

	n.store.OnEvict(func(part types.PartitionID, key string) {
		n.topo.OnEntryRemoved(part)
	})
}

// wireEviction installs the store-backed eviction callback with the
// refusal rules: never evict an entry whose partition is not OWNING,
// never orphan near readers under synchronous write propagation, and
// never evict a locked entry (the store checks that itself).
func (n *Node) wireEviction() {
	n.evict.SetEvictFunc(func(part types.PartitionID, key string) bool {
		if n.topo.State(part) != types.PartitionStateOwning {
			return false
		}
		return n.store.EvictInternal(part, key, func(_ types.PartitionID, _ string, entry types.Entry) bool {
			if len(entry.Readers) > 0 && n.cfg.Cache.WriteSync == types.FullSync {
				return false
			}
			return true
		})
	})
	n.evict.SetStallFunc(func(part types.PartitionID, key string) {
		metrics.EvictionStallsTotal.Inc()
		n.backpressure.Store(true)
		n.logger.Warn().Uint32("part", uint32(part)).Str("key", key).
			Msg("EVICT_STALL: eviction cannot make progress, applying backpressure to puts")
	})
}

// onMembershipChanged runs on raft's apply path and must not block: the
// real work — dispatch mesh maintenance, transaction recovery for
// departed coordinators, and the partition exchange — happens on its own
// goroutine.
func (n *Node) onMembershipChanged(topVer uint32, nodes []membership.NodeAddr) {
	go n.handleMembershipChange(topVer, nodes)
}

func (n *Node) handleMembershipChange(topVer uint32, nodes []membership.NodeAddr) {
	n.logger.Info().Uint32("topVer", topVer).Int("nodes", len(nodes)).Msg("membership changed")

	current := make(map[types.NodeID]bool, len(nodes))
	ids := make([]types.NodeID, 0, len(nodes))
	for _, na := range nodes {
		current[na.ID] = true
		ids = append(ids, na.ID)
		if na.ID == n.self {
			continue
		}
		if err := n.disp.Connect(context.Background(), na.ID, na.Addr); err != nil {
			n.logger.Warn().Str("peer", string(na.ID)).Err(err).Msg("failed to connect to peer")
		}
	}

	n.mu.Lock()
	departed := make([]types.NodeID, 0)
	for id := range n.prevNodes {
		if !current[id] {
			departed = append(departed, id)
		}
	}
	n.prevNodes = current
	n.mu.Unlock()

	for _, id := range departed {
		n.logger.Warn().Str("node", string(id)).Msg("node left, starting transaction recovery")
		n.rec.OnNodeLeft(id)
	}

	// A topology change invalidates every key -> primary mapping the
	// near cache relied on.
	n.near.InvalidateAll()

	n.oracle.SetTopVer(topVer)
	n.oracle.SetNodeOrder(n.member.NodeOrder())
	ex := n.pre.StartExchange(context.Background(), topVer, ids)

	go func() {
		<-ex.Done()
		if ex.Superseded() {
			return
		}
		n.updatePartitionMetrics()
		n.logger.Info().Uint32("topVer", topVer).Msg("exchange complete")
	}()
}

func (n *Node) updatePartitionMetrics() {
	counts := make(map[types.PartitionState]int)
	snap := n.topo.Snapshot()
	for _, info := range snap.Partitions {
		counts[info.State]++
	}
	for _, st := range []types.PartitionState{
		types.PartitionStateMoving,
		types.PartitionStateOwning,
		types.PartitionStateRenting,
		types.PartitionStateEvicted,
		types.PartitionStateLost,
	} {
		metrics.PartitionsByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// awaitPreload blocks until the in-flight exchange completes, for
// PreloadSync mode; in ASYNC (and NONE) mode operations proceed against
// the pre-exchange routing immediately.
func (n *Node) awaitPreload(ctx context.Context) error {
	if n.cfg.Cache.PreloadMode != types.PreloadSync {
		return nil
	}
	ex := n.pre.Current()
	if ex == nil {
		return nil
	}
	select {
	case <-ex.Done():
		return nil
	case <-ctx.Done():
		return types.ErrTimeout
	}
}

// Stop shuts the node down: transport first so no new work arrives,
// then membership.
func (n *Node) Stop() {
	close(n.stopCh)
	n.disp.Stop()
	if err := n.member.Shutdown(); err != nil {
		n.logger.Warn().Err(err).Msg("membership shutdown failed")
	}
	if n.pstore != nil {
		if err := n.pstore.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("persist store close failed")
		}
	}
}

// Self returns this node's identity.
func (n *Node) Self() types.NodeID { return n.self }

// Topology exposes the partition topology, mainly for tests and the
// status CLI.
func (n *Node) Topology() *topology.Topology { return n.topo }

// Preloader exposes the preloader's current exchange future.
func (n *Node) Preloader() *preloader.Preloader { return n.pre }

// Member exposes the membership manager.
func (n *Node) Member() *membership.Manager { return n.member }

// Txns exposes the transaction manager, for tests that drive the
// participant protocol directly.
func (n *Node) Txns() *txn.Manager { return n.txns }

// Store exposes the entry store, for tests and diagnostics.
func (n *Node) Store() *store.Store { return n.store }

// Affinity exposes the affinity function.
func (n *Node) Affinity() *affinity.Function { return n.aff }

// nodeRouter adapts affinity + topology to txn.Router. Owners come from
// the exchanged partition map; before the first exchange completes it
// falls back to computing affinity over the raw member list so that
// bootstrap-time operations can route.
type nodeRouter struct {
	n *Node
}

func (r *nodeRouter) PartitionFor(key string) types.PartitionID {
	return r.n.aff.PartitionFor(key)
}

func (r *nodeRouter) OwnersOf(part types.PartitionID) types.PartitionOwners {
	owners := r.n.topo.Owners(part)
	if len(owners) > 0 {
		return owners
	}
	snap := affinity.Snapshot{TopVer: r.TopVer(), Nodes: r.n.member.NodeIDs()}
	return r.n.aff.Owners(part, snap)
}

func (r *nodeRouter) TopVer() uint32 {
	return r.n.topo.Snapshot().TopVer
}
