package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Tx is a transaction coordinated by the local node. It is not safe for
// concurrent use by multiple goroutines; a transaction belongs to the
// one operation flow that began it.
type Tx struct {
	m   *Manager
	rec *types.Transaction

	mu sync.Mutex
	// reads caches first-read values so REPEATABLE_READ and SERIALIZABLE
	// return the same value on every read of a key within the
	// transaction.
	reads map[string][]byte
	// lockedKeys tracks which keys this transaction already holds a lock
	// for (locally or on a remote primary), so pessimistic
	// first-reference locking is acquired exactly once per key.
	lockedKeys map[string]bool
	done       bool
}

// ID returns the transaction's identifier.
func (t *Tx) ID() types.TxID { return t.rec.TxID }

// State returns the transaction's current lifecycle state.
func (t *Tx) State() types.TxState { return t.rec.State }

func (t *Tx) repeatable() bool {
	return t.rec.Isolation == types.RepeatableRead || t.rec.Isolation == types.Serializable
}

// Get reads a key within the transaction. Writes staged by this
// transaction are visible to its own reads; under REPEATABLE_READ and
// SERIALIZABLE the first read of a key fixes the value returned by every
// subsequent read. Pessimistic transactions at those isolation levels
// take the entry lock before reading.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, err
	}

	if op, ok := t.rec.WriteSet[key]; ok {
		if op.Tombstone {
			return nil, types.ErrKeyNotFound
		}
		return op.Value, nil
	}
	if t.repeatable() {
		if v, ok := t.reads[key]; ok {
			if v == nil {
				return nil, types.ErrKeyNotFound
			}
			return v, nil
		}
	}

	if t.rec.Concurrency == types.Pessimistic && t.repeatable() {
		if err := t.ensureLocked(ctx, key); err != nil {
			return nil, err
		}
	}

	value, ver, found, err := t.readCurrent(ctx, key)
	if err != nil {
		return nil, err
	}
	t.rec.ReadVersions[key] = ver
	if t.repeatable() {
		t.reads[key] = value // nil when not found
	}
	if !found {
		return nil, types.ErrKeyNotFound
	}
	return value, nil
}

// readCurrent fetches a key's committed value from its primary — locally
// if this node is the primary, otherwise over the transport.
func (t *Tx) readCurrent(ctx context.Context, key string) (value []byte, ver types.Version, found bool, err error) {
	primary, part, err := t.m.primaryOf(key)
	if err != nil {
		return nil, types.Version{}, false, err
	}
	if primary == t.m.self {
		entry, ok := t.m.store.Peek(part, key)
		if !ok {
			return nil, types.Version{}, false, nil
		}
		return entry.Value, entry.Version, true, nil
	}

	resp, err := t.m.transport.Get(ctx, primary, types.GetRequest{
		Key:         key,
		RequesterID: t.m.self,
		TopVer:      t.m.router.TopVer(),
	})
	if err != nil {
		return nil, types.Version{}, false, err
	}
	if resp.Err != "" {
		return nil, types.Version{}, false, fmt.Errorf("get %q from %s: %s", key, primary, resp.Err)
	}
	return resp.Value, resp.Version, resp.Found, nil
}

// Put stages a write. Pessimistic transactions acquire the entry lock on
// the key's primary at this first reference; optimistic transactions
// only buffer.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return t.stage(ctx, key, types.WriteOp{Key: key, Value: value})
}

// Remove stages a deletion (a tombstone write).
func (t *Tx) Remove(ctx context.Context, key string) error {
	return t.stage(ctx, key, types.WriteOp{Key: key, Tombstone: true})
}

func (t *Tx) stage(ctx context.Context, key string, op types.WriteOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if t.rec.Concurrency == types.Pessimistic {
		if err := t.ensureLocked(ctx, key); err != nil {
			return err
		}
	}
	t.rec.WriteSet[key] = op
	return nil
}

func (t *Tx) usable() error {
	if t.done {
		return fmt.Errorf("transaction %s already %s", t.rec.TxID, t.rec.State)
	}
	if time.Now().After(t.rec.Deadline) {
		return types.ErrTimeout
	}
	return nil
}

// ensureLocked acquires the entry lock for key on its primary, once. For
// a local primary the store lock is taken directly; for a remote primary
// a lock-only PrepareRequest is sent — the remote stages nothing yet,
// the final write set arrives at commit time.
func (t *Tx) ensureLocked(ctx context.Context, key string) error {
	if t.lockedKeys[key] {
		return nil
	}
	primary, part, err := t.m.primaryOf(key)
	if err != nil {
		return err
	}

	if primary == t.m.self {
		if err := t.m.lockOne(part, key, t.rec.TxID, t.m.cfg.LockTimeout); err != nil {
			return err
		}
	} else {
		resp, err := t.m.transport.Prepare(ctx, primary, types.PrepareRequest{
			TxID:         t.rec.TxID,
			ReadVersions: map[string]types.Version{key: {}},
			Isolation:    t.rec.Isolation,
			Concurrency:  types.Pessimistic,
			Timeout:      int64(t.m.cfg.LockTimeout),
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			if len(resp.ConflictKeys) > 0 {
				return types.ErrDeadlock
			}
			return types.ErrLockTimeout
		}
		t.rec.Participants[primary] = struct{}{}
	}
	t.lockedKeys[key] = true
	return nil
}

// participantSets splits the final write set and read versions by the
// primary responsible for each key.
func (t *Tx) participantSets() map[types.NodeID]*types.PrepareRequest {
	sets := make(map[types.NodeID]*types.PrepareRequest)
	add := func(primary types.NodeID) *types.PrepareRequest {
		req, ok := sets[primary]
		if !ok {
			req = &types.PrepareRequest{
				TxID:         t.rec.TxID,
				WriteSet:     make(map[string]types.WriteOp),
				ReadVersions: make(map[string]types.Version),
				Isolation:    t.rec.Isolation,
				Concurrency:  t.rec.Concurrency,
				Timeout:      int64(t.m.cfg.LockTimeout),
			}
			sets[primary] = req
		}
		return req
	}

	for key, op := range t.rec.WriteSet {
		primary, _, err := t.m.primaryOf(key)
		if err != nil {
			continue
		}
		add(primary).WriteSet[key] = op
	}
	// SERIALIZABLE validates reads too, including keys only read.
	if t.rec.Isolation == types.Serializable {
		for key, ver := range t.rec.ReadVersions {
			primary, _, err := t.m.primaryOf(key)
			if err != nil {
				continue
			}
			add(primary).ReadVersions[key] = ver
		}
	}
	return sets
}

// Commit drives two-phase commit to a terminal state. Optimistic
// transactions may fail with ErrOptimisticConflict (version check) or a
// lock error from the prepare phase; pessimistic transactions already
// hold every lock, so prepare only distributes the final write set.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TxCommitLatency, t.rec.Concurrency.String())

	ctx, cancel := context.WithDeadline(ctx, t.rec.Deadline)
	defer cancel()

	t.rec.State = types.TxPreparing
	sets := t.participantSets()
	for primary := range sets {
		if primary != t.m.self {
			t.rec.Participants[primary] = struct{}{}
		}
	}

	if err := t.prepareAll(ctx, sets); err != nil {
		t.abort(ctx, sets)
		metrics.TxOutcomesTotal.WithLabelValues(t.rec.Concurrency.String(), "rollback").Inc()
		return err
	}
	t.rec.State = types.TxPrepared

	if err := t.finishAll(ctx, sets, true); err != nil {
		metrics.TxOutcomesTotal.WithLabelValues(t.rec.Concurrency.String(), "commit_partial").Inc()
		return err
	}
	metrics.TxOutcomesTotal.WithLabelValues(t.rec.Concurrency.String(), "commit").Inc()
	return nil
}

// prepareAll runs phase one: local keys are locked (optimistic) and
// validated, remote participants receive their PrepareRequest in
// parallel. Any failure aborts the whole phase.
func (t *Tx) prepareAll(ctx context.Context, sets map[types.NodeID]*types.PrepareRequest) error {
	g, gctx := errgroup.WithContext(ctx)
	for primary, req := range sets {
		if primary == t.m.self {
			localReq := req
			g.Go(func() error {
				resp := t.m.prepareLocal(t.rec.Coordinator, *localReq)
				if !resp.OK {
					return prepareFailure(resp)
				}
				return nil
			})
			continue
		}
		primary, req := primary, req
		g.Go(func() error {
			resp, err := t.m.transport.Prepare(gctx, primary, *req)
			if err != nil {
				return err
			}
			if !resp.OK {
				return prepareFailure(resp)
			}
			return nil
		})
	}
	return g.Wait()
}

func prepareFailure(resp types.PrepareResponse) error {
	if len(resp.ConflictKeys) > 0 {
		return types.ErrOptimisticConflict
	}
	return types.ErrLockTimeout
}

// finishAll runs phase two. The local participant commits first; under
// FULL_ASYNC the remote finishes are fired without waiting, under
// PRIMARY_SYNC and FULL_SYNC the coordinator waits for every primary's
// FinishResponse (backup acknowledgement within each primary is governed
// separately by the write-sync mode).
func (t *Tx) finishAll(ctx context.Context, sets map[types.NodeID]*types.PrepareRequest, commit bool) error {
	t.rec.State = types.TxCommitting

	// Lock-only participants (pessimistic read locks never written) hold
	// locks too; they get a Finish so those locks are released.
	for p := range t.rec.Participants {
		if _, ok := sets[p]; !ok {
			sets[p] = &types.PrepareRequest{TxID: t.rec.TxID}
		}
	}

	if _, ok := sets[t.m.self]; ok {
		t.m.finishLocalKeys(ctx, t.rec.TxID, sets[t.m.self], commit)
	}

	async := t.m.cfg.WriteSync == types.FullAsync
	g, gctx := errgroup.WithContext(ctx)
	for primary := range sets {
		if primary == t.m.self {
			continue
		}
		primary := primary
		send := func(ctx context.Context) error {
			resp, err := t.m.transport.Finish(ctx, primary, types.FinishRequest{TxID: t.rec.TxID, Commit: commit})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("participant %s failed to finish tx %s", primary, t.rec.TxID)
			}
			return nil
		}
		if async {
			go func() {
				if err := send(context.Background()); err != nil {
					t.m.logger.Warn().Str("participant", string(primary)).Err(err).
						Msg("async finish failed")
				}
			}()
			continue
		}
		g.Go(func() error { return send(gctx) })
	}
	err := g.Wait()
	t.releaseStrayLocks()
	t.finishLocal(commit)
	return err
}

// abort rolls the transaction back everywhere after a failed prepare.
func (t *Tx) abort(ctx context.Context, sets map[types.NodeID]*types.PrepareRequest) {
	t.rec.State = types.TxRollingBack
	if local, ok := sets[t.m.self]; ok {
		t.m.finishLocalKeys(ctx, t.rec.TxID, local, false)
	}
	for primary := range sets {
		if primary == t.m.self {
			continue
		}
		primary := primary
		go func() {
			_, err := t.m.transport.Finish(context.Background(), primary, types.FinishRequest{TxID: t.rec.TxID, Commit: false})
			if err != nil {
				t.m.logger.Warn().Str("participant", string(primary)).Err(err).
					Msg("rollback notification failed")
			}
		}()
	}
	t.releaseStrayLocks()
	t.finishLocal(false)
}

// Rollback abandons the transaction, dropping staged writes and
// releasing every lock it holds.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.rec.State = types.TxRollingBack
	sets := t.participantSets()
	// Lock-only participants (pessimistic reads) hold locks but appear in
	// no prepare set; notify every known participant.
	for p := range t.rec.Participants {
		if _, ok := sets[p]; !ok {
			sets[p] = &types.PrepareRequest{TxID: t.rec.TxID}
		}
	}
	if local, ok := sets[t.m.self]; ok {
		t.m.finishLocalKeys(ctx, t.rec.TxID, local, false)
	}
	for primary := range sets {
		if primary == t.m.self {
			continue
		}
		_, err := t.m.transport.Finish(ctx, primary, types.FinishRequest{TxID: t.rec.TxID, Commit: false})
		if err != nil {
			t.m.logger.Warn().Str("participant", string(primary)).Err(err).
				Msg("rollback notification failed")
		}
	}
	t.releaseStrayLocks()
	t.finishLocal(false)
	metrics.TxOutcomesTotal.WithLabelValues(t.rec.Concurrency.String(), "rollback").Inc()
	return nil
}

// releaseStrayLocks drops local locks taken by pessimistic
// first-reference locking for keys that never made it into the write set
// (pure read locks), which finishLocalKeys does not cover.
func (t *Tx) releaseStrayLocks() {
	for key := range t.lockedKeys {
		if _, written := t.rec.WriteSet[key]; written {
			continue
		}
		primary, part, err := t.m.primaryOf(key)
		if err != nil || primary != t.m.self {
			continue
		}
		t.m.store.Rollback(part, key, t.rec.TxID)
	}
}

func (t *Tx) finishLocal(commit bool) {
	if commit {
		t.rec.State = types.TxCommitted
	} else {
		t.rec.State = types.TxRolledBack
	}
	t.done = true
}
