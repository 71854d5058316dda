package preloader

import (
	"sync"

	"github.com/gridcache/gridcache/pkg/types"
)

// Exchange is the one-shot coordination object associated with one
// topology version: the barrier over every node's partition report, the
// set of partitions this node must demand, and a completion future that
// fires when every demanded partition reaches OWNING or is marked LOST.
type Exchange struct {
	TopVer uint32
	Nodes  []types.NodeID

	mu         sync.Mutex
	reports    map[types.NodeID][]types.PartitionInfo
	barrier    chan struct{}
	demanded   map[types.PartitionID]types.NodeID // partition -> supplier
	pending    map[types.PartitionID]bool
	done       chan struct{}
	superseded bool
}

func newExchange(topVer uint32, nodes []types.NodeID) *Exchange {
	return &Exchange{
		TopVer:   topVer,
		Nodes:    nodes,
		reports:  make(map[types.NodeID][]types.PartitionInfo),
		barrier:  make(chan struct{}),
		demanded: make(map[types.PartitionID]types.NodeID),
		pending:  make(map[types.PartitionID]bool),
		done:     make(chan struct{}),
	}
}

// report records one node's partition-state publication. The barrier
// channel closes once every member has reported.
func (e *Exchange) report(node types.NodeID, parts []types.PartitionInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, dup := e.reports[node]; dup {
		// Re-publication (e.g. a MOVING->OWNING ack) merges into the
		// first report but cannot re-trip the barrier.
		merged := append([]types.PartitionInfo(nil), existing...)
		for _, info := range parts {
			replaced := false
			for i := range merged {
				if merged[i].ID == info.ID {
					merged[i] = info
					replaced = true
					break
				}
			}
			if !replaced {
				merged = append(merged, info)
			}
		}
		e.reports[node] = merged
		return
	}
	e.reports[node] = parts
	if e.barrierDoneLocked() {
		close(e.barrier)
	}
}

func (e *Exchange) barrierDoneLocked() bool {
	for _, n := range e.Nodes {
		if _, ok := e.reports[n]; !ok {
			return false
		}
	}
	return true
}

// Barrier returns a channel closed once every member's report arrived.
func (e *Exchange) Barrier() <-chan struct{} { return e.barrier }

// holders returns the nodes reporting partition p as locally held
// (OWNING or MOVING) at this exchange.
func (e *Exchange) holders(p types.PartitionID) []types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.NodeID
	for node, parts := range e.reports {
		for _, info := range parts {
			if info.ID != p {
				continue
			}
			if info.State == types.PartitionStateOwning || info.State == types.PartitionStateMoving {
				out = append(out, node)
			}
		}
	}
	return out
}

func (e *Exchange) setDemanded(p types.PartitionID, supplier types.NodeID) {
	e.mu.Lock()
	e.demanded[p] = supplier
	e.pending[p] = true
	e.mu.Unlock()
}

// complete marks one demanded partition finished (OWNING or LOST); the
// completion future fires when none remain pending.
func (e *Exchange) complete(p types.PartitionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending[p] {
		return
	}
	delete(e.pending, p)
	if len(e.pending) == 0 && !e.superseded {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
}

// finishIfIdle fires the completion future immediately when nothing was
// demanded.
func (e *Exchange) finishIfIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 && !e.superseded {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
}

// supersede abandons this exchange in favor of a newer topology version;
// waiters are released (the new exchange's future replaces this one).
func (e *Exchange) supersede() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.superseded {
		return
	}
	e.superseded = true
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Superseded reports whether a newer exchange replaced this one before
// it completed.
func (e *Exchange) Superseded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.superseded
}

// supplierOf returns the supplier chosen for a demanded partition, and
// whether the partition was demanded at all.
func (e *Exchange) supplierOf(p types.PartitionID) (types.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.demanded[p]
	return s, ok
}

// reportsOwning reports whether node has published partition p as
// OWNING at this exchange — either in its barrier report or in a later
// ownership acknowledgement merged into it.
func (e *Exchange) reportsOwning(node types.NodeID, p types.PartitionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, info := range e.reports[node] {
		if info.ID == p && info.State == types.PartitionStateOwning {
			return true
		}
	}
	return false
}

// Pending returns how many demanded partitions have not yet reached
// OWNING or LOST.
func (e *Exchange) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Done returns the completion future: closed when every demanded
// partition reached OWNING or LOST, or when a newer exchange superseded
// this one.
func (e *Exchange) Done() <-chan struct{} { return e.done }
