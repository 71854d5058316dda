package store

import (
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
)

// record is one key's state within a partition shard: the last committed
// entry (if any), its lock, and any writes staged by in-flight
// transactions.
type record struct {
	lock    *entryLock
	present bool
	entry   types.Entry
	staged  map[types.TxID]types.WriteOp
}

type partitionShard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// EvictHook is consulted by EvictInternal before a key is actually dropped; it
// lets the eviction policy (pkg/eviction) and topology (pkg/topology)
// refuse an eviction
type EvictHook func(part types.PartitionID, key string, entry types.Entry) bool

// Store is the Entry Store
type Store struct {
	shards     []partitionShard
	onCommit   func(part types.PartitionID, key string, entry types.Entry, tx types.TxID)
	onEvict    func(part types.PartitionID, key string)
}

// New builds a Store sized for the configured partition count.
func New(partitions int) *Store {
	s := &Store{shards: make([]partitionShard, partitions)}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*record)
	}
	return s
}

// OnCommit registers a callback invoked synchronously, with no store
// locks held, after every successful Commit — pkg/near uses this to fan
// out Invalidate messages and pkg/eviction uses it to register the new
// MRU block.
func (s *Store) OnCommit(fn func(part types.PartitionID, key string, entry types.Entry, tx types.TxID)) {
	s.onCommit = fn
}

// OnEvict registers a callback invoked after a key is evicted.
func (s *Store) OnEvict(fn func(part types.PartitionID, key string)) {
	s.onEvict = fn
}

func (s *Store) shardFor(part types.PartitionID) *partitionShard {
	return &s.shards[int(part)%len(s.shards)]
}

func (s *Store) getOrCreate(part types.PartitionID, key string) *record {
	sh := s.shardFor(part)
	sh.mu.RLock()
	r, ok := sh.records[key]
	sh.mu.RUnlock()
	if ok {
		return r
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok = sh.records[key]
	if ok {
		return r
	}
	r = &record{lock: newEntryLock(), staged: make(map[types.TxID]types.WriteOp)}
	sh.records[key] = r
	return r
}

// Peek is the non-locking read path: returns the currently committed
// entry, if any, without taking the entry lock. It never blocks.
func (s *Store) Peek(part types.PartitionID, key string) (types.Entry, bool) {
	sh := s.shardFor(part)
	sh.mu.RLock()
	r, ok := sh.records[key]
	sh.mu.RUnlock()
	if !ok {
		return types.Entry{}, false
	}
	r.lock.mu.Lock()
	present, entry := r.present, r.entry
	r.lock.mu.Unlock()
	if !present || entry.Tombstone {
		return types.Entry{}, false
	}
	return entry, true
}

// Lock acquires the entry lock for a transaction,
// On timeout it returns types.ErrLockTimeout along with the transaction
// currently holding the lock so the caller can apply wound-wait.
func (s *Store) Lock(part types.PartitionID, key string, tx types.TxID, timeout time.Duration) (types.TxID, error) {
	r := s.getOrCreate(part, key)
	ok, holder := r.lock.tryAcquire(tx, timeout)
	if !ok {
		return holder, types.ErrLockTimeout
	}
	return types.TxID{}, nil
}

// LockHolder reports who currently holds key's lock, used by pkg/txn's
// wound-wait deadlock policy.
func (s *Store) LockHolder(part types.PartitionID, key string) (types.TxID, bool) {
	sh := s.shardFor(part)
	sh.mu.RLock()
	r, ok := sh.records[key]
	sh.mu.RUnlock()
	if !ok {
		return types.TxID{}, false
	}
	return r.lock.holderOf()
}

// Stage records a pending write visible only to tx. The caller must hold
// the lock for key under tx.
func (s *Store) Stage(part types.PartitionID, key string, op types.WriteOp, tx types.TxID) {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	r.staged[tx] = op
	r.lock.mu.Unlock()
}

// Commit atomically installs tx's staged write for key with a freshly
// produced version strictly greater than the previous one, registers the
// reader set for propagation (carried over from the previous entry so
// in-flight near copies still get invalidated), and releases the lock.
func (s *Store) Commit(part types.PartitionID, key string, tx types.TxID, newVersion types.Version) (types.Entry, error) {
	r := s.getOrCreate(part, key)

	r.lock.mu.Lock()
	op, staged := r.staged[tx]
	delete(r.staged, tx)
	prevReaders := r.entry.Readers
	r.lock.mu.Unlock()

	if !staged {
		r.lock.release(tx)
		return types.Entry{}, types.ErrKeyNotFound
	}

	entry := types.Entry{
		Key:        key,
		Value:      op.Value,
		Tombstone:  op.Tombstone,
		Version:    newVersion,
		Readers:    prevReaders,
		LastAccess: time.Now(),
		Partition:  part,
	}

	r.lock.mu.Lock()
	r.entry = entry
	r.present = !op.Tombstone
	r.lock.mu.Unlock()
	r.lock.release(tx)

	if s.onCommit != nil {
		s.onCommit(part, key, entry, tx)
	}
	return entry, nil
}

// Rollback drops tx's staged write for key and releases the lock.
func (s *Store) Rollback(part types.PartitionID, key string, tx types.TxID) {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	delete(r.staged, tx)
	r.lock.mu.Unlock()
	r.lock.release(tx)
}

// Invalidate discards or tombstones the entry for key if incoming
// dominates the local version — the rule applied uniformly by the
// preloader applying streamed-in supply entries, by backup replication,
// by read-through loads and by recovery back-fill.
func (s *Store) Invalidate(part types.PartitionID, key string, incoming types.Entry) (applied bool) {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	if r.present && !incoming.Version.Newer(r.entry.Version) {
		return false
	}
	if !r.present && r.entry.Version != (types.Version{}) && !incoming.Version.Newer(r.entry.Version) {
		return false
	}
	incoming.Readers = r.entry.Readers
	r.entry = incoming
	r.present = !incoming.Tombstone
	return true
}

// AddReader registers reader as holding a near-cache copy of key.
func (s *Store) AddReader(part types.PartitionID, key string, reader types.NodeID) {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	r.entry.AddReader(reader)
	r.lock.mu.Unlock()
}

// RemoveReader unregisters reader, e.g. on an explicit near-eviction
// notification, so it stops receiving invalidations for a key it no
// longer caches.
func (s *Store) RemoveReader(part types.PartitionID, key string, reader types.NodeID) {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	r.entry.RemoveReader(reader)
	r.lock.mu.Unlock()
}

// ReadersAndClear returns the current reader set for key and clears it —
// used when dispatching the invalidation fan-out on commit.
func (s *Store) ReadersAndClear(part types.PartitionID, key string) []types.NodeID {
	r := s.getOrCreate(part, key)
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	out := make([]types.NodeID, 0, len(r.entry.Readers))
	for n := range r.entry.Readers {
		out = append(out, n)
	}
	r.entry.ClearReaders()
	return out
}

// EvictInternal removes key from the store if hook approves; called for
// pkg/eviction's LRU sweep and by pkg/preloader when it drops an evicted
// partition. Returns false if the hook refused.
func (s *Store) EvictInternal(part types.PartitionID, key string, hook EvictHook) bool {
	sh := s.shardFor(part)
	sh.mu.Lock()
	r, ok := sh.records[key]
	if !ok {
		sh.mu.Unlock()
		return true
	}
	r.lock.mu.Lock()
	entry := r.entry
	present := r.present
	locked := r.lock.held
	r.lock.mu.Unlock()

	if !present {
		sh.mu.Unlock()
		return true
	}
	if locked {
		sh.mu.Unlock()
		return false
	}
	if hook != nil && !hook(part, key, entry) {
		sh.mu.Unlock()
		return false
	}
	delete(sh.records, key)
	sh.mu.Unlock()

	if s.onEvict != nil {
		s.onEvict(part, key)
	}
	return true
}

// Keys returns every key currently held in a partition, used by the
// preloader when acting as a supplier.
func (s *Store) Keys(part types.PartitionID) []string {
	sh := s.shardFor(part)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]string, 0, len(sh.records))
	for k, r := range sh.records {
		r.lock.mu.Lock()
		if r.present {
			out = append(out, k)
		}
		r.lock.mu.Unlock()
	}
	return out
}

// Len returns the number of present (non-tombstoned) keys in a partition.
func (s *Store) Len(part types.PartitionID) int {
	return len(s.Keys(part))
}
