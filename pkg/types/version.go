package types

import "fmt"

// NodeID identifies a peer in the cluster. It is the raft ServerID the
// membership component assigns at bootstrap/join time.
type NodeID string

// Version is the cache version tuple: a strictly
// ordered (topVer, globalTime, order, nodeOrder) quadruple. It is produced
// only by the version oracle (pkg/version) and compared with Compare/Less
// everywhere a "newer" relation is needed — the atomic-version comparator.
type Version struct {
	TopVer     uint32
	GlobalTime uint64
	Order      uint64
	NodeOrder  uint32
}

// Zero reports whether v is the unset version, used to mean "no prior
// committed version exists for this key".
func (v Version) Zero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or 1 comparing v to other under strict
// lexicographic order over (TopVer, GlobalTime, Order, NodeOrder). This is
// the single implementation of the atomic-version comparator; every
// consumer of "newer version" logic calls this instead of re-deriving it.
func (v Version) Compare(other Version) int {
	switch {
	case v.TopVer != other.TopVer:
		return cmpUint32(v.TopVer, other.TopVer)
	case v.GlobalTime != other.GlobalTime:
		return cmpUint64(v.GlobalTime, other.GlobalTime)
	case v.Order != other.Order:
		return cmpUint64(v.Order, other.Order)
	default:
		return cmpUint32(v.NodeOrder, other.NodeOrder)
	}
}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// Newer reports whether v strictly dominates other — the relation used by
// store.invalidate and preloader.apply to decide whether an incoming
// version should replace a locally held one.
func (v Version) Newer(other Version) bool { return v.Compare(other) > 0 }

func (v Version) String() string {
	return fmt.Sprintf("v(%d.%d.%d.%d)", v.TopVer, v.GlobalTime, v.Order, v.NodeOrder)
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
