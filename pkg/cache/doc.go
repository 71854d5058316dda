/*
Package cache assembles a cluster node from the leaf components and
exposes the user-facing API: Get, Put, Remove, Begin (explicit
transactions), and EvictNear.

# Wiring

	                         ┌───────────┐
	        raft log index   │membership │  node set
	       ┌─────────────────┤  (raft)   ├───────────────┐
	       ▼                 └───────────┘               ▼
	┌────────────┐  exchange  ┌───────────┐  owners  ┌──────────┐
	│ preloader  │◄───────────┤   Node    ├─────────►│ affinity │
	└─────┬──────┘            │  (wiring) │          └──────────┘
	      │ demand/supply     └─────┬─────┘
	      ▼                         │
	┌────────────┐   commit hooks   ▼
	│ topology   │◄───────────┌───────────┐──────►near fan-out
	└────────────┘            │   store   │──────►eviction LRU
	                          └─────┬─────┘──────►write-behind
	                                │
	                          ┌─────┴─────┐
	                          │ txn + rec │  2PC / check-committed
	                          └───────────┘

Every remote conversation flows through one dispatcher; the component
packages see only their own narrow transport interface, implemented here
by nodeTransport. The flow of a put: transaction manager (begin or
implicit) → version oracle → affinity (primary) → entry store (lock +
stage) → backups via dispatch → commit → near readers invalidated →
eviction policy notified.
*/
package cache
