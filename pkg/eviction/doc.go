/*
Package eviction implements the per-block LRU eviction policy: it
bounds the resident set to at most maxBlocks blocks or maxBytes bytes, whichever is tighter, while refusing to evict entries the
entry store (pkg/store) says are still referenced.

# Architecture

	┌─────────────────────── EVICTION POLICY ───────────────────────┐
	│                                                                   │
	│  doubly linked list (container/list), MRU at Front               │
	│    node = block{partition, key, blockIdx, size}                  │
	│  index: map[(partition,key,blockIdx)] -> *list.Element           │
	│                                                                   │
	│  onAccess/onPut  -> MoveToFront / PushFront                      │
	│  onRemove        -> Remove                                       │
	│  evictWhileOverBudget:                                           │
	│    pop Back -> ask EvictFunc(part, key) to evict                 │
	│      refused  -> reinsert near Front (cooldown), try next victim  │
	│      approved -> drop, continue if still over budget             │
	│    no progress after maxTries -> EvictStall, backpressure signal │
	└───────────────────────────────────────────────────────────────┘

A hand-rolled container/list-based LRU is used here rather than an
off-the-shelf cache-replacement library (e.g. hashicorp/golang-lru, which
this repository's dependency graph already carries transitively): every
off-the-shelf LRU this repository's stack offers evicts unconditionally
on its own Add/Get calls, but the contract requires a victim to be
*refusable* (locked, has active readers, or the partition isn't OWNING)
and, on refusal, repositioned near the head instead of dropped — a
conditional-refusal eviction loop no generic LRU container exposes a hook
for. See DESIGN.md for the fuller justification.
*/
package eviction
