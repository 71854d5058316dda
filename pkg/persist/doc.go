/*
Package persist implements the optional persistent store loader: a
per-key read-through / write-behind interface backed by
go.etcd.io/bbolt.

# Architecture

	┌──────────────────────── PERSIST ────────────────────────────┐
	│                                                                 │
	│  Store interface { Load, Put, Remove, Close }                 │
	│       │                                                        │
	│       ▼                                                        │
	│  BoltStore                                                    │
	│    - one bucket per partition ("part-<id>")                   │
	│    - Put/Remove called async from pkg/cache's store commit   │
	│      hook, on the public pool, never inline on the           │
	│      commit path                                                │
	│    - Load consulted by pkg/cache's local read only on a miss  │
	└────────────────────────────────────────────────────────────┘

This is a pure convenience layer: correctness of the cache core never
depends on it.
*/
package persist
