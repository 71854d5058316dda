package store

import (
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
)

// entryLock is a token-based mutual exclusion primitive scoped to one
// key, reentrant for the transaction that already holds it. A buffered
// channel of capacity one carries the single token; "locked" is
// "token not in the channel".
type entryLock struct {
	mu     sync.Mutex
	ch     chan struct{}
	held   bool
	holder types.TxID
}

func newEntryLock() *entryLock {
	l := &entryLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// tryAcquire attempts to acquire the lock for tx within timeout. Returns
// (true, zero) on success, (false, currentHolder) on timeout so the
// caller (pkg/txn) can apply wound-wait: the transaction with the smaller
// version yields.
func (l *entryLock) tryAcquire(tx types.TxID, timeout time.Duration) (bool, types.TxID) {
	l.mu.Lock()
	if l.held && l.holder == tx {
		l.mu.Unlock()
		return true, types.TxID{}
	}
	l.mu.Unlock()

	select {
	case <-l.ch:
		l.mu.Lock()
		l.held = true
		l.holder = tx
		l.mu.Unlock()
		return true, types.TxID{}
	case <-time.After(timeout):
		l.mu.Lock()
		holder := l.holder
		l.mu.Unlock()
		return false, holder
	}
}

// release relinquishes the lock; it is a no-op if tx does not currently
// hold it (defensive against duplicate rollback/commit calls).
func (l *entryLock) release(tx types.TxID) {
	l.mu.Lock()
	if !l.held || l.holder != tx {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.holder = types.TxID{}
	l.mu.Unlock()
	l.ch <- struct{}{}
}

// holderOf returns the current lock holder and whether the lock is held.
func (l *entryLock) holderOf() (types.TxID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}
