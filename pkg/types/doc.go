/*
Package types defines the data model shared across every component of the
distributed cache: cache versions, partition identifiers and states, the
in-memory entry and near-entry shapes, transaction records, and the wire
message envelopes exchanged between nodes.

# Architecture

Nothing in this package talks to the network or to disk. It exists so that
pkg/version, pkg/affinity, pkg/topology, pkg/store, pkg/near, pkg/txn,
pkg/recovery, pkg/preloader and pkg/dispatch can all agree on one
definition of "version", "partition state", and "entry" without importing
each other.

	┌────────────────────── DATA MODEL ─────────────────────────┐
	│                                                             │
	│   Version(topVer, globalTime, order, nodeOrder)            │
	│         │ total order via Compare/Less                     │
	│         ▼                                                  │
	│   Entry{Key, Value, Version, Readers, TTL}                 │
	│         │ belongs to                                       │
	│         ▼                                                  │
	│   Partition{ID, State, Owners}                             │
	│         │ grouped under                                    │
	│         ▼                                                  │
	│   Transaction{TxID, Coordinator, Concurrency, Isolation}   │
	└─────────────────────────────────────────────────────────┘

# Core Components

Version: the atomic-version comparator's tuple, see Compare.

PartitionState: one of Unassigned, Moving, Owning, Renting, Evicted, Lost, with the
transitions documented on the type.

Entry / NearEntry: the owner-side and non-owner-side record shapes.

Transaction: coordinator/participant bookkeeping for two-phase commit.

errors.go carries the sentinel error taxonomy surfaced to callers.
*/
package types
