package preloader

import (
	"context"
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/affinity"
	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/topology"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Transport carries the exchange and rebalance messages. pkg/cache wires
// this to pkg/dispatch.
type Transport interface {
	PartitionsSingle(ctx context.Context, to types.NodeID, msg types.PartitionsSingle) error
	Demand(ctx context.Context, to types.NodeID, msg types.DemandMessage) error
	Supply(ctx context.Context, to types.NodeID, msg types.SupplyMessage) error
}

// barrierTimeout bounds how long an exchange waits for a straggler's
// partition report before proceeding with the reports it has. A node
// silent this long is about to be expelled by the failure detector,
// which triggers a fresh exchange anyway.
const barrierTimeout = 30 * time.Second

// Preloader drives the exchange-triggered rebalance: barrier, partition
// assignment, demand/supply streaming, and the MOVING -> OWNING / LOST
// transitions.
type Preloader struct {
	self      types.NodeID
	cfg       types.Config
	aff       *affinity.Function
	topo      *topology.Topology
	store     *store.Store
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	current *Exchange
	// stashed holds partition reports that arrived before this node's
	// raft applied the membership change that starts their exchange.
	stashed map[uint32]map[types.NodeID][]types.PartitionInfo
}

// New builds a Preloader.
func New(self types.NodeID, cfg types.Config, aff *affinity.Function, topo *topology.Topology, st *store.Store, transport Transport) *Preloader {
	return &Preloader{
		self:      self,
		cfg:       cfg,
		aff:       aff,
		topo:      topo,
		store:     st,
		transport: transport,
		logger:    log.WithComponent("preloader"),
		stashed:   make(map[uint32]map[types.NodeID][]types.PartitionInfo),
	}
}

// Current returns the exchange in progress (or the last completed one).
func (p *Preloader) Current() *Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// StartExchange begins the exchange for a new topology version,
// superseding any exchange still in flight. It returns the Exchange
// whose Done future fires at completion; the heavy lifting runs on its
// own goroutine.
func (p *Preloader) StartExchange(ctx context.Context, topVer uint32, nodes []types.NodeID) *Exchange {
	ex := newExchange(topVer, nodes)

	localReport := p.localReport()
	ex.report(p.self, localReport)

	p.mu.Lock()
	if p.current != nil {
		p.current.supersede()
	}
	p.current = ex
	if early, ok := p.stashed[topVer]; ok {
		for node, parts := range early {
			ex.report(node, parts)
		}
		delete(p.stashed, topVer)
	}
	p.mu.Unlock()

	metrics.PreloaderActiveExchanges.Inc()
	go p.run(ctx, ex, localReport)
	return ex
}

// localReport captures the partitions this node currently holds.
func (p *Preloader) localReport() []types.PartitionInfo {
	snap := p.topo.Snapshot()
	out := make([]types.PartitionInfo, 0, len(snap.Partitions))
	for _, info := range snap.Partitions {
		if info.State == types.PartitionStateOwning || info.State == types.PartitionStateMoving {
			out = append(out, info)
		}
	}
	return out
}

func (p *Preloader) run(ctx context.Context, ex *Exchange, localReport []types.PartitionInfo) {
	defer metrics.PreloaderActiveExchanges.Dec()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PreloaderExchangeDuration)

	// Publish local state to every member, then await theirs.
	msg := types.PartitionsSingle{TopVer: ex.TopVer, Partitions: localReport}
	for _, n := range ex.Nodes {
		if n == p.self {
			continue
		}
		if err := p.transport.PartitionsSingle(ctx, n, msg); err != nil {
			p.logger.Warn().Str("peer", string(n)).Uint32("topVer", ex.TopVer).Err(err).
				Msg("failed to publish partition report")
		}
	}

	select {
	case <-ex.Barrier():
	case <-time.After(barrierTimeout):
		p.logger.Warn().Uint32("topVer", ex.TopVer).
			Msg("exchange barrier timed out, proceeding with received reports")
	case <-ex.Done():
		return // superseded while waiting
	}

	// The pre-update snapshot still holds the previous owners — the
	// supplier preference below needs them.
	prev := p.topo.Snapshot()

	snap := affinity.Snapshot{TopVer: ex.TopVer, Nodes: ex.Nodes}
	owners := make(map[types.PartitionID]types.PartitionOwners, p.aff.Partitions())
	held := make(map[types.PartitionID]bool)
	for _, info := range localReport {
		held[info.ID] = true
	}
	for i := 0; i < p.aff.Partitions(); i++ {
		part := types.PartitionID(i)
		owners[part] = p.aff.Owners(part, snap)
	}
	p.topo.Update(ex.TopVer, owners, held)
	metrics.PartitionTopVer.Set(float64(ex.TopVer))

	p.assign(ctx, ex, owners, held, prev)
	ex.finishIfIdle()

	go func() {
		<-ex.Done()
		p.sweepRenting(ex)
	}()
}

// assign diffs the new assignment against what this node holds and
// demands every missing partition from a supplier: the partition's
// previous primary when it survives and still holds the data, else the
// live holder with the lowest NodeID.
func (p *Preloader) assign(ctx context.Context, ex *Exchange, owners map[types.PartitionID]types.PartitionOwners, held map[types.PartitionID]bool, prev *topology.Map) {
	demandBySupplier := make(map[types.NodeID][]types.PartitionID)

	for part, own := range owners {
		if !own.Contains(p.self) || held[part] {
			continue
		}

		if p.cfg.PreloadMode == types.PreloadNone {
			p.topo.MarkOwning(part)
			continue
		}

		holders := ex.holders(part)
		live := holders[:0]
		for _, h := range holders {
			if h != p.self {
				live = append(live, h)
			}
		}

		if len(live) == 0 {
			// Not demanded from anyone: no pending bookkeeping.
			if len(prev.Partitions[part].Owners) == 0 {
				// Never owned anywhere: a fresh partition starts empty.
				p.topo.MarkOwning(part)
			} else {
				p.logger.Error().Uint32("part", uint32(part)).Uint32("topVer", ex.TopVer).
					Msg("no surviving owner, marking partition lost")
				p.topo.MarkLost(part)
			}
			continue
		}

		supplier := live[0]
		for _, h := range live {
			if h < supplier {
				supplier = h
			}
		}
		if prevPrimary := prev.Partitions[part].Owners.Primary(); prevPrimary != "" {
			for _, h := range live {
				if h == prevPrimary {
					supplier = prevPrimary
					break
				}
			}
		}

		ex.setDemanded(part, supplier)
		demandBySupplier[supplier] = append(demandBySupplier[supplier], part)
	}

	for supplier, parts := range demandBySupplier {
		err := p.transport.Demand(ctx, supplier, types.DemandMessage{TopVer: ex.TopVer, Partitions: parts})
		if err != nil {
			p.logger.Warn().Str("supplier", string(supplier)).Err(err).
				Msg("demand failed; partitions will retry at the next exchange")
		}
	}
	metrics.PreloaderPartitionsMoving.Set(float64(ex.Pending()))
}

// sweepRenting drops partitions this node no longer owns, but only once
// every new owner has published the partition as OWNING at this
// exchange — a rented partition may still be the only surviving copy
// while its new owners are MOVING, and dropping it early would stream
// nothing to them. Invoked on exchange completion and again on every
// inbound ownership acknowledgement.
func (p *Preloader) sweepRenting(ex *Exchange) {
	if ex == nil || ex.Superseded() {
		return
	}
	snap := p.topo.Snapshot()
	for part, info := range snap.Partitions {
		if info.State != types.PartitionStateRenting {
			continue
		}
		handedOver := len(info.Owners) > 0
		for _, owner := range info.Owners {
			if !ex.reportsOwning(owner, part) {
				handedOver = false
				break
			}
		}
		if !handedOver {
			continue
		}
		if !p.topo.TryEvict(part) {
			continue
		}
		for _, key := range p.store.Keys(part) {
			p.store.EvictInternal(part, key, nil)
		}
		p.logger.Debug().Uint32("part", uint32(part)).Msg("evicted rented partition")
	}
}

// HandlePartitionsSingle feeds a peer's report (or completion ack) into
// the exchange it belongs to, stashing reports that arrive before this
// node has started that exchange.
func (p *Preloader) HandlePartitionsSingle(from types.NodeID, msg types.PartitionsSingle) {
	p.mu.Lock()
	if p.current != nil && p.current.TopVer == msg.TopVer {
		ex := p.current
		ex.report(from, msg.Partitions)
		p.mu.Unlock()
		p.sweepRenting(ex)
		return
	}
	defer p.mu.Unlock()
	if p.current == nil || msg.TopVer > p.current.TopVer {
		early, ok := p.stashed[msg.TopVer]
		if !ok {
			early = make(map[types.NodeID][]types.PartitionInfo)
			p.stashed[msg.TopVer] = early
		}
		early[from] = msg.Partitions
	}
}

// HandleDemand streams the demanded partitions back to the demander in
// batches bounded by PreloadBatchSize bytes, at most RebalanceThreads
// partitions concurrently per demander.
func (p *Preloader) HandleDemand(ctx context.Context, from types.NodeID, msg types.DemandMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := p.cfg.RebalanceThreads
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, part := range msg.Partitions {
		part := part
		g.Go(func() error {
			return p.supplyPartition(gctx, from, msg.TopVer, part)
		})
	}
	return g.Wait()
}

func (p *Preloader) supplyPartition(ctx context.Context, to types.NodeID, topVer uint32, part types.PartitionID) error {
	// Pin against RENTING -> EVICTED while the stream is being read.
	p.topo.BeginBackupStream(part)
	defer p.topo.EndBackupStream(part)

	var batch []types.SuppliedEntry
	var size int

	flush := func(last bool) error {
		err := p.transport.Supply(ctx, to, types.SupplyMessage{
			TopVer:  topVer,
			PartID:  part,
			Entries: batch,
			Last:    last,
		})
		if err != nil {
			return err
		}
		metrics.PreloaderEntriesStreamed.WithLabelValues("supply").Add(float64(len(batch)))
		batch, size = nil, 0
		return nil
	}

	for _, key := range p.store.Keys(part) {
		entry, ok := p.store.Peek(part, key)
		if !ok {
			continue
		}
		batch = append(batch, types.SuppliedEntry{
			Key:       entry.Key,
			Value:     entry.Value,
			Tombstone: entry.Tombstone,
			Version:   entry.Version,
		})
		size += len(entry.Key) + len(entry.Value)
		if size >= p.cfg.PreloadBatchSize {
			if err := flush(false); err != nil {
				return err
			}
		}
	}
	return flush(true)
}

// HandleSupply applies one inbound batch: each entry installs only if
// its version dominates the local one, and the final batch flips the
// partition MOVING -> OWNING and acknowledges with a PartitionsSingle.
func (p *Preloader) HandleSupply(ctx context.Context, from types.NodeID, msg types.SupplyMessage) {
	p.mu.Lock()
	ex := p.current
	p.mu.Unlock()
	if ex == nil || ex.TopVer != msg.TopVer {
		return // stale stream from a superseded exchange
	}

	for _, e := range msg.Entries {
		applied := p.store.Invalidate(msg.PartID, e.Key, types.Entry{
			Key:       e.Key,
			Value:     e.Value,
			Tombstone: e.Tombstone,
			Version:   e.Version,
			Partition: msg.PartID,
		})
		if applied {
			p.topo.OnEntryAdded(msg.PartID)
		}
	}
	metrics.PreloaderEntriesStreamed.WithLabelValues("demand").Add(float64(len(msg.Entries)))

	if !msg.Last {
		return
	}
	// Only the supplier chosen for this partition may complete it; a
	// concurrent single-entry backup replication shares the message
	// kind but must not flip MOVING -> OWNING.
	if supplier, demanded := ex.supplierOf(msg.PartID); !demanded || supplier != from {
		return
	}

	p.topo.MarkOwning(msg.PartID)
	ack := types.PartitionsSingle{
		TopVer:     msg.TopVer,
		Partitions: []types.PartitionInfo{{ID: msg.PartID, State: types.PartitionStateOwning}},
	}
	for _, n := range ex.Nodes {
		if n == p.self {
			continue
		}
		if err := p.transport.PartitionsSingle(ctx, n, ack); err != nil {
			p.logger.Debug().Str("peer", string(n)).Err(err).Msg("ownership ack failed")
		}
	}
	ex.complete(msg.PartID)
}
