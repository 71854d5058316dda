/*
Package preloader drives the exchange-triggered rebalance that follows
every membership change.

# Exchange lifecycle

	membership change (topVer T)
	        │
	        ▼
	1. publish local partition state, await every member's report
	   (the exchange barrier)
	        │
	        ▼
	2. diff: partitions assigned to this node at T but not held
	        │
	        ▼
	3. pick a supplier per missing partition — the previous primary
	   when it survives and still holds the data, else the live holder
	   with the lowest NodeID — and send DemandMessage
	        │
	        ▼
	4. apply inbound SupplyMessage batches (newer-version-wins per
	   entry) while the partition stays MOVING; on the last batch flip
	   MOVING → OWNING and acknowledge with a PartitionsSingle
	        │
	        ▼
	5. when every demanded partition is OWNING or LOST, the Exchange's
	   Done future fires and queued client operations may proceed

A partition with no surviving holder becomes LOST when previous owners
existed, or starts OWNING and empty when it never had any. Suppliers pin
each partition they stream (BeginBackupStream) so a RENTING partition
cannot be evicted out from under an in-flight batch. A newer exchange
supersedes an unfinished one; stale supply batches are recognized by
their topology version and dropped.
*/
package preloader
