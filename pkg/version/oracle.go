package version

import (
	"sync/atomic"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
)

// Oracle produces strictly ordered types.Version values for one node. It
// is the only component permitted to construct a Version; every other
// component treats Version as an opaque, comparable value.
type Oracle struct {
	nodeOrder atomic.Uint32
	topVer    atomic.Uint32
	order     atomic.Uint64
}

// New builds an Oracle for a node identified by nodeOrder — a small
// integer derived from the node's position in the current topology
// (assigned by pkg/membership), used only to break ties when two nodes
// produce a version with identical globalTime and order.
func New(nodeOrder uint32) *Oracle {
	o := &Oracle{}
	o.nodeOrder.Store(nodeOrder)
	return o
}

// SetNodeOrder updates the tie-break component once the node's position
// in the membership is (re)established.
func (o *Oracle) SetNodeOrder(order uint32) {
	o.nodeOrder.Store(order)
}

// SetTopVer updates the topology version stamped onto every subsequently
// produced Version. Called by the cache façade whenever an exchange
// completes.
func (o *Oracle) SetTopVer(topVer uint32) {
	o.topVer.Store(topVer)
}

// TopVer returns the topology version currently in force.
func (o *Oracle) TopVer() uint32 {
	return o.topVer.Load()
}

// Next produces a new Version strictly greater than every Version this
// Oracle has previously produced, per the atomic-version comparator: the
// monotonic order counter guarantees this regardless of clock behavior.
func (o *Oracle) Next() types.Version {
	return types.Version{
		TopVer:     o.topVer.Load(),
		GlobalTime: uint64(time.Now().UnixNano()),
		Order:      o.order.Add(1),
		NodeOrder:  o.nodeOrder.Load(),
	}
}
