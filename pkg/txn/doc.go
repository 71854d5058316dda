/*
Package txn implements the Transaction Manager: per-node coordinator and
participant state for two-phase commit across the partitioned store, in
both concurrency modes and all three isolation levels.

# Architecture

	┌──────────────────────── TXN MANAGER ───────────────────────────┐
	│                                                                 │
	│  Coordinator side (Tx):                                         │
	│    Begin → Get/Put/Remove → Commit/Rollback                     │
	│    PESSIMISTIC: entry lock on the key's primary at first        │
	│      reference (reads too, under REPEATABLE_READ/SERIALIZABLE); │
	│      prepare only distributes the final write set               │
	│    OPTIMISTIC: buffer locally; prepare locks + validates        │
	│                                                                 │
	│  Participant side (remoteTx):                                   │
	│    HandlePrepare: lock keys in (partition, hash) order,         │
	│      SERIALIZABLE read-version check, stage writes              │
	│    HandleFinish: commit staged writes under one fresh version,  │
	│      replicate to backups, release locks, remember the outcome  │
	│                                                                 │
	│  The coordinator is also a participant for its locally-primary  │
	│  keys — same record, same code path, so recovery and finish     │
	│  cannot diverge between the two roles.                          │
	└─────────────────────────────────────────────────────────────────┘

Deadlock handling: optimistic transactions cannot deadlock because every
participant locks its own keys in the same canonical (partition,
hash(key)) ascending order. Pessimistic transactions can; on lock
timeout wound-wait applies — the transaction with the smaller version
yields and rolls back, the larger one proceeds.

Backup propagation rides the same newer-version-wins application rule as
rebalance streaming (a single-entry SupplyMessage), so duplicated or
reordered replication is harmless by construction.
*/
package txn
