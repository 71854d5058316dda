/*
Package membership turns raft consensus into the ordered topology-version
sequence the rest of the node consumes: every committed MembershipChanged
command carries the full node set, and the raft log index of that command
is the topology version in force until the next one.

# Architecture

	┌───────────────────── MEMBERSHIP ──────────────────────────────┐
	│                                                                │
	│  Manager ── owns raft.Raft (TCP transport, bolt log/stable     │
	│             stores, file snapshots)                            │
	│   ├── Bootstrap: single-node cluster, publish [self]           │
	│   ├── HandleJoin: leader AddVoter + publish nodes ∪ {joiner}   │
	│   ├── Remove: leader RemoveServer + publish nodes ∖ {node}     │
	│   └── watchFailures: FailedHeartbeatObservation → Remove       │
	│                                                                │
	│  FSM ── applies exactly one command kind, a full node-set      │
	│         snapshot; fires ChangeFunc(topVer=log index, nodes)    │
	└────────────────────────────────────────────────────────────────┘

Raft here is a failure detector and a sequencer, nothing more: no cache
entry, transaction, or partition data ever enters the log. Publishing the
whole node set on every change (instead of join/leave deltas) keeps Apply
idempotent under log replay and makes the FSM state trivially
snapshottable.
*/
package membership
