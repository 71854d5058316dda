/*
Package topology implements the Partition Topology:
the per-node map of partition -> (state, owners), plus the reservation
bookkeeping that lets the DHT preloader (pkg/preloader) know when a
RENTING partition has shed its last local reference and may become
EVICTED.

# Architecture

	┌─────────────────── PARTITION TOPOLOGY ─────────────────────┐
	│                                                               │
	│  snapshot  atomic.Pointer[Map]   — lock-free reads            │
	│       │                                                       │
	│       ▼ update(topVer, map) swaps a new Map in under an       │
	│         exchange-scoped exclusive lock (only one update        │
	│         in flight per topology version)                       │
	│                                                               │
	│  reservations  map[partition]int  — refcount of in-flight     │
	│       operations (reserve/release), consulted by               │
	│       RENTING -> EVICTED transition                            │
	└─────────────────────────────────────────────────────────────┘

Reads (reserve, state lookups) never block a writer and never block each
other — they load the current *Map atomically. Only update, which
installs a whole new partition map at the end of an exchange, takes the
write path.
*/
package topology
