package txn

import (
	"context"
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
)

// remoteTx is the participant-side record of a transaction this node
// holds locks or staged writes for. The coordinator may be a remote node
// (requests arrive via HandlePrepare/HandleFinish) or this node itself —
// a coordinator is always also a participant for its locally-primary
// keys, and both flows share this record so finish and recovery treat
// them identically.
type remoteTx struct {
	id          types.TxID
	coordinator types.NodeID
	concurrency types.TxConcurrency

	mu     sync.Mutex
	locked map[string]types.PartitionID
	staged map[string]types.WriteOp
}

func (m *Manager) remoteFor(id types.TxID, coordinator types.NodeID, concurrency types.TxConcurrency) *remoteTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remote[id]
	if !ok {
		r = &remoteTx{
			id:          id,
			coordinator: coordinator,
			concurrency: concurrency,
			locked:      make(map[string]types.PartitionID),
			staged:      make(map[string]types.WriteOp),
		}
		m.remote[id] = r
	}
	return r
}

func (m *Manager) dropRemote(id types.TxID) {
	m.mu.Lock()
	delete(m.remote, id)
	m.mu.Unlock()
}

// DoubtfulOf returns the transactions this node participates in whose
// coordinator is the given node — the set recovery must resolve when
// that node leaves the topology.
func (m *Manager) DoubtfulOf(coordinator types.NodeID) []types.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.TxID
	for id, r := range m.remote {
		if r.coordinator == coordinator {
			out = append(out, id)
		}
	}
	return out
}

// HandlePrepare is the participant side of phase one, for both
// concurrency modes:
//
//   - Pessimistic: lock-only requests arrive at first key reference
//     (empty write set) and the final write set arrives at commit time,
//     when every lock is already held.
//   - Optimistic: the single prepare locks the keys in canonical
//     (partition, hash) order and, under SERIALIZABLE, verifies that
//     every read version still matches the current committed version.
//
// Locks acquired here are held until the matching FinishRequest; a
// failed prepare relies on the coordinator's abort notification for
// release, which it always sends.
func (m *Manager) HandlePrepare(ctx context.Context, from types.NodeID, req types.PrepareRequest) types.PrepareResponse {
	r := m.remoteFor(req.TxID, from, req.Concurrency)
	r.mu.Lock()
	defer r.mu.Unlock()

	keySet := make(map[string]struct{}, len(req.WriteSet)+len(req.ReadVersions))
	for k := range req.WriteSet {
		keySet[k] = struct{}{}
	}
	for k := range req.ReadVersions {
		keySet[k] = struct{}{}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	timeout := time.Duration(req.Timeout)
	if timeout <= 0 {
		timeout = m.cfg.LockTimeout
	}
	for _, ref := range m.sortedRefs(keys) {
		if _, held := r.locked[ref.key]; held {
			continue
		}
		if err := m.lockOne(ref.part, ref.key, req.TxID, timeout); err != nil {
			m.logger.Debug().Str("tx", req.TxID.String()).Str("key", ref.key).Err(err).
				Msg("prepare lock failed")
			resp := types.PrepareResponse{TxID: req.TxID}
			if err == types.ErrDeadlock {
				resp.ConflictKeys = []string{ref.key}
			}
			return resp
		}
		r.locked[ref.key] = ref.part
	}

	if req.Concurrency == types.Optimistic && req.Isolation == types.Serializable {
		var conflicts []string
		for key, readVer := range req.ReadVersions {
			part := m.router.PartitionFor(key)
			cur := types.Version{}
			if entry, ok := m.store.Peek(part, key); ok {
				cur = entry.Version
			}
			if cur != readVer {
				conflicts = append(conflicts, key)
			}
		}
		if len(conflicts) > 0 {
			return types.PrepareResponse{TxID: req.TxID, ConflictKeys: conflicts}
		}
	}

	for key, op := range req.WriteSet {
		part := m.router.PartitionFor(key)
		m.store.Stage(part, key, op, req.TxID)
		r.staged[key] = op
	}
	return types.PrepareResponse{TxID: req.TxID, OK: true}
}

// prepareLocal runs the participant prepare for the coordinator's own
// locally-primary keys, sharing HandlePrepare's code path so lock order,
// validation, and bookkeeping are identical on every participant.
func (m *Manager) prepareLocal(coordinator types.NodeID, req types.PrepareRequest) types.PrepareResponse {
	return m.HandlePrepare(context.Background(), coordinator, req)
}

// HandleFinish is the participant side of phase two: install every
// staged write under one freshly produced commit version, replicate to
// backups, release locks, and remember the outcome for CheckCommitted.
// A finish for an unknown transaction is acknowledged as-is — finish is
// idempotent, and a retry after a completed finish must not fail.
func (m *Manager) HandleFinish(ctx context.Context, from types.NodeID, req types.FinishRequest) types.FinishResponse {
	m.finishTx(ctx, req.TxID, req.Commit)
	return types.FinishResponse{TxID: req.TxID, OK: true}
}

// finishLocalKeys applies phase two to the coordinator's own participant
// record; the prepare set is implicit in what prepareLocal staged.
func (m *Manager) finishLocalKeys(ctx context.Context, id types.TxID, _ *types.PrepareRequest, commit bool) {
	m.finishTx(ctx, id, commit)
}

func (m *Manager) finishTx(ctx context.Context, id types.TxID, commit bool) {
	m.mu.Lock()
	r, ok := m.remote[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if commit && len(r.staged) > 0 {
		commitVer := m.oracle.Next()
		committed := make(map[string]types.WriteOp, len(r.staged))
		for _, ref := range m.sortedRefs(stagedKeys(r.staged)) {
			op := r.staged[ref.key]
			entry, err := m.store.Commit(ref.part, ref.key, id, commitVer)
			if err != nil {
				m.logger.Error().Str("tx", id.String()).Str("key", ref.key).Err(err).
					Msg("commit of staged write failed")
				continue
			}
			committed[ref.key] = op
			m.replicateToBackups(ctx, ref.part, entry)
		}
		m.recordCommitted(types.CommittedInfo{TxID: id, CommitVer: commitVer, WriteSet: committed})
	} else {
		for key := range r.staged {
			m.store.Rollback(m.router.PartitionFor(key), key, id)
		}
	}

	// Lock-only keys (read locks, or staged elsewhere) release here.
	for key, part := range r.locked {
		if _, wasStaged := r.staged[key]; wasStaged && commit {
			continue // store.Commit already released
		}
		if _, wasStaged := r.staged[key]; wasStaged && !commit {
			continue // store.Rollback already released
		}
		m.store.Rollback(part, key, id)
	}

	m.dropRemote(id)
}

func stagedKeys(staged map[string]types.WriteOp) []string {
	out := make([]string, 0, len(staged))
	for k := range staged {
		out = append(out, k)
	}
	return out
}

// Recover applies a recovery outcome decided by pkg/recovery. A non-nil
// info means some participant already committed: this node commits its
// own staged writes under the same commit version and applies any
// returned writes for partitions it holds through the newer-version-wins
// rule, so a commit applied during recovery never lowers an entry's
// version below one already present. Nil info means rollback. Locks held
// for the transaction are released only after the outcome is applied,
// and repeated calls settle on the same result.
func (m *Manager) Recover(ctx context.Context, id types.TxID, info *types.CommittedInfo) {
	m.mu.Lock()
	r, ok := m.remote[id]
	m.mu.Unlock()

	if info == nil {
		if !ok {
			return
		}
		r.mu.Lock()
		for key := range r.staged {
			m.store.Rollback(m.router.PartitionFor(key), key, id)
		}
		for key, part := range r.locked {
			if _, wasStaged := r.staged[key]; wasStaged {
				continue
			}
			m.store.Rollback(part, key, id)
		}
		r.mu.Unlock()
		m.dropRemote(id)
		return
	}

	if ok {
		r.mu.Lock()
		committed := make(map[string]types.WriteOp, len(r.staged))
		for _, ref := range m.sortedRefs(stagedKeys(r.staged)) {
			entry, err := m.store.Commit(ref.part, ref.key, id, info.CommitVer)
			if err != nil {
				m.logger.Error().Str("tx", id.String()).Str("key", ref.key).Err(err).
					Msg("recovery commit of staged write failed")
				continue
			}
			committed[ref.key] = r.staged[ref.key]
			m.replicateToBackups(ctx, ref.part, entry)
		}
		for key, part := range r.locked {
			if _, wasStaged := r.staged[key]; wasStaged {
				continue
			}
			m.store.Rollback(part, key, id)
		}
		r.mu.Unlock()
		m.recordCommitted(types.CommittedInfo{TxID: id, CommitVer: info.CommitVer, WriteSet: committed})
		m.dropRemote(id)
	}

	// Writes returned by the answering participant may cover keys whose
	// partitions this node holds as backup; fill those in too.
	for key, op := range info.WriteSet {
		part := m.router.PartitionFor(key)
		if !m.router.OwnersOf(part).Contains(m.self) {
			continue
		}
		m.store.Invalidate(part, key, types.Entry{
			Key:       key,
			Value:     op.Value,
			Tombstone: op.Tombstone,
			Version:   info.CommitVer,
			Partition: part,
		})
	}
}
