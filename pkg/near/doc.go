/*
Package near implements the Near Cache & Reader Tracking: an opportunistic replica held by non-owners, and the primary-side
bookkeeping of which remote nodes currently hold one.

# Architecture

	┌────────────────────── NEAR CACHE ───────────────────────────┐
	│                                                                │
	│  Non-owner side: Cache{ map[key]NearEntry }                  │
	│    Get(k): hit -> return; miss -> GetRequest to primary,      │
	│            install NearEntry from GetResponse                 │
	│    Invalidate(k, v'): discard only if v' dominates locally     │
	│                                                                │
	│  Primary side: Fanout                                        │
	│    on GetRequest(k, r): store.AddReader(k, r)                 │
	│    on commit(k): store.ReadersAndClear(k) -> send              │
	│                  Invalidate(k, newVersion) to every reader,    │
	│                  FULL_SYNC waits acks, FULL_ASYNC fires and    │
	│                  forgets                                      │
	└────────────────────────────────────────────────────────────┘

Invariant: a near entry is never more than
one generation behind its primary, because either the reader still
appears in readers(k) (and receives the next invalidation) or it has
already unregistered (near eviction) and must re-fetch on its next Get.
*/
package near
