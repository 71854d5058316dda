/*
Package affinity implements the Affinity Function: a
pure mapping from (key, topology) to an ordered [primary, backup...]
node list, identical on every node given the same topology snapshot.

# Architecture

The mapping is rendezvous (highest-random-weight) hashing: for each live
node, score = hash(partition, node), and the owner list is the nodes
sorted by score descending, truncated to backups+1. This generalizes the
single-owner consistent-hash scheme used for shard-to-node assignment in
sibling distributed-storage prototypes (a per-partition hash score per
candidate node) to the multi-owner primary+backups case this cache needs,
and gives the stability property by construction:
adding or removing one node only changes the score ordering for the
partitions that node's scores affected, so at most the partitions it
newly wins or loses change owners — no virtual-node ring rebuild, no
global reshuffle.

	┌──────────────────── AFFINITY FUNCTION ────────────────────┐
	│                                                              │
	│  key -> partition = fnv32(key) % N                         │
	│  partition, liveNodes -> score(node) = fnv64(partition,node)│
	│  owners = liveNodes sorted by score desc, take k+1          │
	└────────────────────────────────────────────────────────────┘

# Core Components

Function: the stateless mapping, constructed once per process with the
configured partition count and backup count.

Snapshot: an immutable live-node list plus topology version, passed into
Function.Owners — the function itself holds no cluster state, so every
node computes identical output from the same Snapshot (pkg/topology is
responsible for agreeing on that Snapshot via the exchange barrier).
*/
package affinity
