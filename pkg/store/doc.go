/*
Package store implements the Entry Store: the
in-memory, per-partition keyed map with per-entry locks and version
chains that the transaction manager (pkg/txn), near cache (pkg/near) and
DHT preloader (pkg/preloader) all operate against.

# Architecture

	┌───────────────────── ENTRY STORE ──────────────────────────┐
	│                                                                │
	│  Store                                                        │
	│   └── []partitionShard   (len = config.Partitions)            │
	│         each shard: sync.RWMutex + map[key]*record            │
	│                                                                │
	│  record                                                       │
	│   ├── entry       types.Entry  (committed value + version)    │
	│   ├── lock        token-based mutual exclusion, per txID      │
	│   └── staged      map[txID]WriteOp  (uncommitted writes)      │
	└──────────────────────────────────────────────────────────────┘

Sharding by partition means two transactions touching different
partitions never contend on the same shard's RWMutex; only per-key
locking (held for the duration of one transaction step) serializes access
to the same key.

Peek is the non-locking read path: it never blocks, returning whatever is
currently committed. Lock/Stage/Commit/Rollback form the transactional
write path. Invalidate is the path used by the preloader applying a
streamed-in entry and by backup replication — both only accept strictly
newer versions, per the atomic-version comparator (pkg/types.Version).
*/
package store
