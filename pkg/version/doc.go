/*
Package version implements the Version Oracle: it
produces the totally ordered cache versions every other component
compares with the atomic-version comparator (types.Version.Compare).

# Architecture

	┌────────────────── VERSION ORACLE ─────────────────────┐
	│                                                          │
	│  topVer   — set by the membership/topology component   │
	│             whenever a new exchange completes          │
	│  order    — monotonic per-node counter, never resets    │
	│  nodeOrder— fixed at construction, breaks cross-node ties│
	│  globalTime — wall-clock snapshot, best-effort ordering  │
	│                                                          │
	│  Next() -> Version{topVer, now, order++, nodeOrder}     │
	└──────────────────────────────────────────────────────┘

Next is called once per committed write on the node that produces the
version — the transaction manager on a primary commit, or a coordinator stamping
a new transaction ID. order is a per-node atomic counter, so two calls to
Next on the same node always produce a strictly increasing Version even
if globalTime does not advance between them (clock granularity, clock
skew).
*/
package version
