/*
Package recovery implements the pessimistic check-committed protocol: when
a transaction's coordinator leaves the topology, every surviving
participant independently resolves the transaction to the same outcome.

# Protocol

	participant detects coordinator left
	        │
	        ▼
	broadcast CheckCommitted(txId) to every survivor
	        │
	        ▼
	collect CheckCommittedResponse(txId, info?)
	        │
	   any info? ──yes──► commit: replay returned write set at the
	        │             returned commit version (newer-version-wins,
	        │             so it can never lower an installed version)
	        no
	        │
	   all answered? ──yes──► rollback
	        │
	        no (timeouts)
	        │
	   re-issue to survivors; still undetermined after querying all
	   known participants ──► heuristic rollback, logged loudly

Determinism: the decision is a pure function of the response set, so two
surviving participants evaluating the same replies always agree — a
transaction is never committed on one node and rolled back on another.
Idempotence: committed records are retained and returned unchanged for
duplicate queries, and a node's own Resolve is a no-op once an outcome
has been applied.
*/
package recovery
