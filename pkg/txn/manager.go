package txn

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/pkg/version"
	"github.com/rs/zerolog"
)

// Router resolves keys to partitions and owners at the topology version
// currently in force. pkg/cache implements it over affinity + topology;
// kept as a narrow interface here so this package never imports either.
type Router interface {
	PartitionFor(key string) types.PartitionID
	OwnersOf(part types.PartitionID) types.PartitionOwners
	TopVer() uint32
}

// Transport carries the two-phase-commit conversation and backup
// propagation. pkg/cache wires this to pkg/dispatch.
type Transport interface {
	Get(ctx context.Context, to types.NodeID, req types.GetRequest) (types.GetResponse, error)
	Prepare(ctx context.Context, to types.NodeID, req types.PrepareRequest) (types.PrepareResponse, error)
	Finish(ctx context.Context, to types.NodeID, req types.FinishRequest) (types.FinishResponse, error)
	// BackupWrite replicates one committed entry to a backup. awaitAck
	// selects FULL_SYNC behavior; otherwise delivery is fire-and-forget.
	BackupWrite(ctx context.Context, to types.NodeID, msg types.SupplyMessage, awaitAck bool) error
}

// Manager is the per-node Transaction Manager: the coordinator side for
// transactions begun locally, and the participant side for prepare/finish
// requests arriving from remote coordinators.
type Manager struct {
	self      types.NodeID
	store     *store.Store
	oracle    *version.Oracle
	router    Router
	transport Transport
	cfg       types.Config
	logger    zerolog.Logger

	mu     sync.Mutex
	remote map[types.TxID]*remoteTx

	committedMu  sync.Mutex
	committed    map[types.TxID]types.CommittedInfo
	committedAge map[types.TxID]time.Time
}

// committedRetention bounds how long a committed transaction's write set
// is kept for CheckCommitted queries. A coordinator death is detected
// within seconds; anything still asking after this window has already
// been answered or has itself left.
const committedRetention = 5 * time.Minute

// NewManager builds a Manager. The store's commit callbacks (near-cache
// fan-out, eviction tracking) are wired by pkg/cache, not here.
func NewManager(self types.NodeID, st *store.Store, oracle *version.Oracle, router Router, transport Transport, cfg types.Config) *Manager {
	return &Manager{
		self:         self,
		store:        st,
		oracle:       oracle,
		router:       router,
		transport:    transport,
		cfg:          cfg,
		logger:       log.WithComponent("txmanager"),
		remote:       make(map[types.TxID]*remoteTx),
		committed:    make(map[types.TxID]types.CommittedInfo),
		committedAge: make(map[types.TxID]time.Time),
	}
}

// Begin opens a transaction coordinated by this node.
func (m *Manager) Begin(concurrency types.TxConcurrency, isolation types.TxIsolation) *Tx {
	id := m.oracle.Next()
	rec := types.NewTransaction(id, m.self, concurrency, isolation, m.cfg.TxTimeout)
	return &Tx{
		m:          m,
		rec:        rec,
		reads:      make(map[string][]byte),
		lockedKeys: make(map[string]bool),
	}
}

// CommittedInfo returns the locally recorded outcome of a committed
// transaction, consulted by pkg/recovery when answering CheckCommitted.
// Duplicate queries see the same answer until the retention window
// expires, keeping recovery idempotent.
func (m *Manager) CommittedInfo(tx types.TxID) (types.CommittedInfo, bool) {
	m.committedMu.Lock()
	defer m.committedMu.Unlock()
	info, ok := m.committed[tx]
	return info, ok
}

func (m *Manager) recordCommitted(info types.CommittedInfo) {
	m.committedMu.Lock()
	defer m.committedMu.Unlock()
	now := time.Now()
	m.committed[info.TxID] = info
	m.committedAge[info.TxID] = now
	for id, at := range m.committedAge {
		if now.Sub(at) > committedRetention {
			delete(m.committed, id)
			delete(m.committedAge, id)
		}
	}
}

// keyRef is one key with its routing already resolved, ordered by
// (partition, hash(key)) ascending — the canonical lock order that rules
// out deadlocks when every participant locks its own keys the same way.
type keyRef struct {
	key  string
	part types.PartitionID
	hash uint32
}

func keyHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func (m *Manager) sortedRefs(keys []string) []keyRef {
	refs := make([]keyRef, len(keys))
	for i, k := range keys {
		refs[i] = keyRef{key: k, part: m.router.PartitionFor(k), hash: keyHash(k)}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].part != refs[j].part {
			return refs[i].part < refs[j].part
		}
		return refs[i].hash < refs[j].hash
	})
	return refs
}

// lockOne acquires key's entry lock for tx, applying wound-wait on
// timeout: the transaction with the smaller version yields, so if tx
// itself is the smaller it rolls back with ErrDeadlock while the larger
// holder proceeds; otherwise the timeout surfaces as ErrLockTimeout and
// the caller may retry.
func (m *Manager) lockOne(part types.PartitionID, key string, tx types.TxID, timeout time.Duration) error {
	holder, err := m.store.Lock(part, key, tx, timeout)
	if err == nil {
		return nil
	}
	metrics.LockWaitTotal.Inc()
	if !holder.Zero() && tx.Less(holder) {
		return types.ErrDeadlock
	}
	return types.ErrLockTimeout
}

// PartitionOf resolves a key's partition through the router.
func (m *Manager) PartitionOf(key string) types.PartitionID {
	return m.router.PartitionFor(key)
}

// primaryOf resolves the primary owner of a key's partition, failing with
// ErrPartitionLost when no owner is assigned at the current topology.
func (m *Manager) primaryOf(key string) (types.NodeID, types.PartitionID, error) {
	part := m.router.PartitionFor(key)
	owners := m.router.OwnersOf(part)
	primary := owners.Primary()
	if primary == "" {
		return "", part, types.ErrPartitionLost
	}
	return primary, part, nil
}

// commitKey installs one staged write on this node (acting as primary)
// with a freshly produced version, then replicates it to the partition's
// backups under the configured write-synchronization mode. The entry
// lock for key must be held by tx.
func (m *Manager) commitKey(ctx context.Context, part types.PartitionID, key string, tx types.TxID) (types.Version, error) {
	ver := m.oracle.Next()
	entry, err := m.store.Commit(part, key, tx, ver)
	if err != nil {
		return types.Version{}, err
	}
	m.replicateToBackups(ctx, part, entry)
	return ver, nil
}

// replicateToBackups pushes one committed entry to every backup owner of
// its partition. Backups apply it through the same newer-version-wins
// rule the preloader uses, so replays and reorderings are harmless.
func (m *Manager) replicateToBackups(ctx context.Context, part types.PartitionID, entry types.Entry) {
	backups := m.router.OwnersOf(part).Backups()
	if len(backups) == 0 {
		return
	}
	msg := types.SupplyMessage{
		TopVer: m.router.TopVer(),
		PartID: part,
		Entries: []types.SuppliedEntry{{
			Key:       entry.Key,
			Value:     entry.Value,
			Tombstone: entry.Tombstone,
			Version:   entry.Version,
		}},
		Last: true,
	}

	awaitAck := m.cfg.WriteSync == types.FullSync
	for _, b := range backups {
		if b == m.self {
			continue
		}
		b := b
		if awaitAck {
			if err := m.transport.BackupWrite(ctx, b, msg, true); err != nil {
				m.logger.Warn().Str("backup", string(b)).Str("key", entry.Key).Err(err).
					Msg("backup replication failed")
			}
			continue
		}
		go func() {
			if err := m.transport.BackupWrite(context.Background(), b, msg, false); err != nil {
				m.logger.Debug().Str("backup", string(b)).Str("key", entry.Key).Err(err).
					Msg("async backup replication failed")
			}
		}()
	}
}
