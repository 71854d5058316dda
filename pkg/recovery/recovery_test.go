package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/affinity"
	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/txn"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/gridcache/gridcache/pkg/version"
	"github.com/stretchr/testify/require"
)

type selfRouter struct {
	aff  *affinity.Function
	self types.NodeID
}

func (r *selfRouter) PartitionFor(key string) types.PartitionID { return r.aff.PartitionFor(key) }
func (r *selfRouter) OwnersOf(types.PartitionID) types.PartitionOwners {
	return types.PartitionOwners{r.self}
}
func (r *selfRouter) TopVer() uint32 { return 1 }

// deadTransport stands in for the departed coordinator's side of the
// conversation: participants never dial out during these tests.
type deadTransport struct{}

func (deadTransport) Get(context.Context, types.NodeID, types.GetRequest) (types.GetResponse, error) {
	return types.GetResponse{}, errors.New("unreachable")
}
func (deadTransport) Prepare(context.Context, types.NodeID, types.PrepareRequest) (types.PrepareResponse, error) {
	return types.PrepareResponse{}, errors.New("unreachable")
}
func (deadTransport) Finish(context.Context, types.NodeID, types.FinishRequest) (types.FinishResponse, error) {
	return types.FinishResponse{}, errors.New("unreachable")
}
func (deadTransport) BackupWrite(context.Context, types.NodeID, types.SupplyMessage, bool) error {
	return errors.New("unreachable")
}

// checkLoopback routes CheckCommitted queries between in-process peers.
type checkLoopback struct {
	peers map[types.NodeID]*Manager
	// down simulates a participant that never answers.
	down map[types.NodeID]bool
}

func (l *checkLoopback) CheckCommitted(ctx context.Context, to types.NodeID, req types.CheckCommitted) (types.CheckCommittedResponse, error) {
	if l.down[to] {
		return types.CheckCommittedResponse{}, types.ErrTimeout
	}
	return l.peers[to].HandleCheckCommitted(ctx, "", req), nil
}

type node struct {
	id  types.NodeID
	txm *txn.Manager
	rec *Manager
	st  *store.Store
}

func buildCluster(t *testing.T, ids ...types.NodeID) (map[types.NodeID]*node, *checkLoopback) {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.Partitions = 8
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.RecoveryTimeout = 300 * time.Millisecond

	lb := &checkLoopback{peers: map[types.NodeID]*Manager{}, down: map[types.NodeID]bool{}}
	aff := affinity.New(cfg.Partitions, 0)

	nodes := make(map[types.NodeID]*node, len(ids))
	all := append([]types.NodeID(nil), ids...)
	for i, id := range ids {
		st := store.New(cfg.Partitions)
		txm := txn.NewManager(id, st, version.New(uint32(i+1)), &selfRouter{aff: aff, self: id}, deadTransport{}, cfg)
		rec := NewManager(id, txm, lb, func() []types.NodeID { return all }, cfg)
		lb.peers[id] = rec
		nodes[id] = &node{id: id, txm: txm, rec: rec, st: st}
	}
	return nodes, lb
}

// prepareOn stages a coordinator's write on a participant, as a
// PrepareRequest from the (soon to be dead) coordinator would.
func prepareOn(t *testing.T, n *node, coordinator types.NodeID, id types.TxID, key, value string) {
	t.Helper()
	resp := n.txm.HandlePrepare(context.Background(), coordinator, types.PrepareRequest{
		TxID:        id,
		WriteSet:    map[string]types.WriteOp{key: {Key: key, Value: []byte(value)}},
		Concurrency: types.Pessimistic,
	})
	require.True(t, resp.OK)
}

func TestRecoveryCommitsWhenAnyParticipantCommitted(t *testing.T) {
	nodes, _ := buildCluster(t, "B", "C")
	txID := types.Version{GlobalTime: 1, Order: 1, NodeOrder: 9}

	prepareOn(t, nodes["B"], "A", txID, "k1", "v1")
	prepareOn(t, nodes["C"], "A", txID, "k2", "v2")

	// The coordinator's Finish reached B before it died.
	nodes["B"].txm.HandleFinish(context.Background(), "A", types.FinishRequest{TxID: txID, Commit: true})

	// C detects the coordinator left and resolves.
	nodes["C"].rec.Resolve(context.Background(), txID)

	entry, ok := nodes["C"].st.Peek(nodes["C"].txm.PartitionOf("k2"), "k2")
	require.True(t, ok, "C must commit k2 because B reports the transaction committed")
	require.Equal(t, []byte("v2"), entry.Value)
}

func TestRecoveryRollsBackWhenNobodyCommitted(t *testing.T) {
	nodes, _ := buildCluster(t, "B", "C")
	txID := types.Version{GlobalTime: 2, Order: 1, NodeOrder: 9}

	prepareOn(t, nodes["B"], "A", txID, "k1", "v1")
	prepareOn(t, nodes["C"], "A", txID, "k2", "v2")

	nodes["B"].rec.Resolve(context.Background(), txID)
	nodes["C"].rec.Resolve(context.Background(), txID)

	_, ok := nodes["B"].st.Peek(nodes["B"].txm.PartitionOf("k1"), "k1")
	require.False(t, ok)
	_, ok = nodes["C"].st.Peek(nodes["C"].txm.PartitionOf("k2"), "k2")
	require.False(t, ok)

	// Locks must be released after the outcome is applied: a later
	// transaction on the same key succeeds.
	later := nodes["B"].txm.Begin(types.Pessimistic, types.ReadCommitted)
	require.NoError(t, later.Put(context.Background(), "k1", []byte("next")))
	require.NoError(t, later.Commit(context.Background()))
}

func TestRecoveryNeverOneSided(t *testing.T) {
	nodes, _ := buildCluster(t, "B", "C")
	txID := types.Version{GlobalTime: 3, Order: 1, NodeOrder: 9}

	prepareOn(t, nodes["B"], "A", txID, "k1", "v1")
	prepareOn(t, nodes["C"], "A", txID, "k2", "v2")
	nodes["B"].txm.HandleFinish(context.Background(), "A", types.FinishRequest{TxID: txID, Commit: true})

	// Both survivors resolve independently; both must commit.
	nodes["B"].rec.Resolve(context.Background(), txID)
	nodes["C"].rec.Resolve(context.Background(), txID)

	_, okB := nodes["B"].st.Peek(nodes["B"].txm.PartitionOf("k1"), "k1")
	_, okC := nodes["C"].st.Peek(nodes["C"].txm.PartitionOf("k2"), "k2")
	require.True(t, okB)
	require.True(t, okC)
}

func TestRecoveryHeuristicRollbackWhenPeerSilent(t *testing.T) {
	nodes, lb := buildCluster(t, "B", "C")
	txID := types.Version{GlobalTime: 4, Order: 1, NodeOrder: 9}

	prepareOn(t, nodes["B"], "A", txID, "k1", "v1")
	lb.down["C"] = true

	nodes["B"].rec.Resolve(context.Background(), txID)

	// Undetermined after re-issue: rolled back, key free again.
	_, ok := nodes["B"].st.Peek(nodes["B"].txm.PartitionOf("k1"), "k1")
	require.False(t, ok)
}

func TestDuplicateCheckCommittedSameAnswer(t *testing.T) {
	nodes, _ := buildCluster(t, "B", "C")
	txID := types.Version{GlobalTime: 5, Order: 1, NodeOrder: 9}

	prepareOn(t, nodes["B"], "A", txID, "k1", "v1")
	nodes["B"].txm.HandleFinish(context.Background(), "A", types.FinishRequest{TxID: txID, Commit: true})

	req := types.CheckCommitted{TxID: txID}
	first := nodes["B"].rec.HandleCheckCommitted(context.Background(), "C", req)
	second := nodes["B"].rec.HandleCheckCommitted(context.Background(), "C", req)
	require.NotNil(t, first.Info)
	require.NotNil(t, second.Info)
	require.Equal(t, first.Info.CommitVer, second.Info.CommitVer)
}
