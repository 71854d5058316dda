package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/txn"
	"github.com/gridcache/gridcache/pkg/types"
)

// Get reads a key from anywhere in the cluster. On an owner it serves
// the local store (with read-through when a persistent store is
// configured); on a non-owner it serves the near cache when enabled,
// else fetches from the primary.
func (n *Node) Get(ctx context.Context, key string) ([]byte, error) {
	if err := n.awaitPreload(ctx); err != nil {
		return nil, err
	}

	part := n.aff.PartitionFor(key)
	if n.topo.State(part) == types.PartitionStateLost {
		return nil, types.ErrPartitionLost
	}

	owners := (&nodeRouter{n: n}).OwnersOf(part)
	primary := owners.Primary()
	if primary == "" {
		return nil, types.ErrPartitionLost
	}

	if primary == n.self || owners.Contains(n.self) {
		return n.localGet(part, key)
	}
	return n.remoteGet(ctx, primary, key)
}

// localGet serves an owner-side read.
func (n *Node) localGet(part types.PartitionID, key string) ([]byte, error) {
	if entry, ok := n.store.Peek(part, key); ok {
		n.evict.OnAccess(part, key, len(entry.Value), true)
		return entry.Value, nil
	}
	if n.pstore != nil {
		loaded, found, err := n.pstore.Load(part, key)
		if err != nil {
			return nil, fmt.Errorf("cache: read-through %q: %w", key, err)
		}
		if found {
			n.store.Invalidate(part, key, types.Entry{
				Key:       key,
				Value:     loaded.Value,
				Tombstone: loaded.Tombstone,
				Version:   loaded.Version,
				Partition: part,
			})
			return loaded.Value, nil
		}
	}
	return nil, types.ErrKeyNotFound
}

// remoteGet serves a non-owner read, through the near cache when the
// distribution mode allows one.
func (n *Node) remoteGet(ctx context.Context, primary types.NodeID, key string) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NearGetLatency)

	nearEnabled := n.cfg.Cache.DistributionMode == types.NearPartitioned
	if nearEnabled {
		if e, ok := n.near.Get(key); ok {
			return e.Value, nil
		}
	}

	var resp types.GetResponse
	err := n.disp.Request(ctx, primary, types.KindGetRequest, types.GetRequest{
		Key:         key,
		RequesterID: n.self,
		TopVer:      n.topo.Snapshot().TopVer,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, remoteError(resp.Err)
	}
	if !resp.Found {
		return nil, types.ErrKeyNotFound
	}

	if nearEnabled {
		entry := types.NearEntry{Key: key, Value: resp.Value, Version: resp.Version, Primary: primary}
		n.public.Run(func() { n.near.Install(entry) })
	}
	return resp.Value, nil
}

// Put writes a key. Under TRANSACTIONAL atomicity this is an implicit
// single-key pessimistic transaction; ATOMIC mode takes the same path
// with the transaction machinery acting as a single-round commit.
func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	return n.write(ctx, key, types.WriteOp{Key: key, Value: value})
}

// Remove deletes a key (a tombstone write).
func (n *Node) Remove(ctx context.Context, key string) error {
	return n.write(ctx, key, types.WriteOp{Key: key, Tombstone: true})
}

func (n *Node) write(ctx context.Context, key string, op types.WriteOp) error {
	if err := n.awaitPreload(ctx); err != nil {
		return err
	}
	if n.backpressure.Load() {
		// EVICT_STALL slowdown; cleared once eviction drains again.
		time.Sleep(backpressureDelay)
		if !n.evictionStalled() {
			n.backpressure.Store(false)
		}
	}

	part := n.aff.PartitionFor(key)
	if n.topo.State(part) == types.PartitionStateLost {
		return types.ErrPartitionLost
	}

	tx := n.txns.Begin(types.Pessimistic, types.ReadCommitted)
	var err error
	if op.Tombstone {
		err = tx.Remove(ctx, key)
	} else {
		err = tx.Put(ctx, key, op.Value)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (n *Node) evictionStalled() bool {
	maxBlocks := n.cfg.Cache.Eviction.MaxBlocks
	maxBytes := n.cfg.Cache.Eviction.MaxBytes
	if maxBlocks > 0 && n.evict.ResidentBlocks() > maxBlocks {
		return true
	}
	if maxBytes > 0 && n.evict.ResidentBytes() > maxBytes {
		return true
	}
	return false
}

// EvictNear drops this node's near copy of key and unregisters it as a
// reader at the primary, so no further invalidations are addressed to
// it; the next Get re-fetches and re-registers.
func (n *Node) EvictNear(ctx context.Context, key string) {
	n.near.Evict(key)
	part := n.aff.PartitionFor(key)
	primary := (&nodeRouter{n: n}).OwnersOf(part).Primary()
	if primary == "" || primary == n.self {
		return
	}
	if err := n.disp.Post(ctx, primary, types.KindNearEvict, types.NearEvict{Key: key, Reader: n.self}); err != nil {
		n.logger.Debug().Str("key", key).Err(err).Msg("near-evict unregister failed")
	}
}

// Begin opens an explicit transaction coordinated by this node.
func (n *Node) Begin(concurrency types.TxConcurrency, isolation types.TxIsolation) *txn.Tx {
	return n.txns.Begin(concurrency, isolation)
}

// remoteError maps an error string carried in a response payload back to
// the sentinel taxonomy where possible, so errors.Is works across the
// wire.
func remoteError(msg string) error {
	for _, sentinel := range []error{
		types.ErrNodeLeft,
		types.ErrTopologyChanged,
		types.ErrLockTimeout,
		types.ErrDeadlock,
		types.ErrOptimisticConflict,
		types.ErrPartitionLost,
		types.ErrTimeout,
		types.ErrKeyNotFound,
		types.ErrNotOwning,
	} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return fmt.Errorf("remote: %s", msg)
}
