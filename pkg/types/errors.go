package types

import "errors"

// Sentinel error taxonomy Message-layer and transient
// errors are absorbed into retries by their respective components;
// these are the ones that surface to a caller.
var (
	// ErrNodeLeft: the target of an operation departed the cluster.
	ErrNodeLeft = errors.New("node left")
	// ErrTopologyChanged: a new topology version committed before the
	// operation that started at an older version completed.
	ErrTopologyChanged = errors.New("topology changed")
	// ErrLockTimeout: an entry lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrDeadlock: wound-wait detected a cycle and this transaction lost.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrOptimisticConflict: prepare's version check failed.
	ErrOptimisticConflict = errors.New("optimistic conflict")
	// ErrPartitionLost: no surviving owner exists for the partition.
	ErrPartitionLost = errors.New("partition lost")
	// ErrTimeout: a generic cross-node deadline was exceeded.
	ErrTimeout = errors.New("operation timeout")
	// ErrTxHeuristic: recovery could not determine a transaction's
	// outcome from any participant and rolled back heuristically.
	ErrTxHeuristic = errors.New("heuristic rollback: outcome undetermined")
	// ErrNotOwning: reserve/commit attempted against a partition this
	// node does not currently own.
	ErrNotOwning = errors.New("partition not owning")
	// ErrKeyNotFound: peek/get found no entry for the key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrEvictStall: eviction could not make progress within the bounded
	// number of attempts; backpressure should be applied to new puts.
	ErrEvictStall = errors.New("eviction stalled")
)
