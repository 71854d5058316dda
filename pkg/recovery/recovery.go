package recovery

import (
	"context"
	"sync"

	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/txn"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Transport carries the CheckCommitted query to one surviving node.
// pkg/cache wires this to pkg/dispatch.
type Transport interface {
	CheckCommitted(ctx context.Context, to types.NodeID, req types.CheckCommitted) (types.CheckCommittedResponse, error)
}

// Manager resolves doubtful transactions after their coordinator leaves
// the topology. One Manager per node; it acts for the transactions this
// node participates in, and answers other participants' queries about
// transactions this node has already applied.
type Manager struct {
	self      types.NodeID
	txns      *txn.Manager
	transport Transport
	// survivors returns the current live node set, consulted at query
	// time so a re-issue after further departures targets only nodes
	// still present.
	survivors func() []types.NodeID
	cfg       types.Config
	logger    zerolog.Logger

	mu       sync.Mutex
	inFlight map[types.TxID]bool
}

// NewManager builds a recovery Manager over the node's transaction
// manager.
func NewManager(self types.NodeID, txns *txn.Manager, transport Transport, survivors func() []types.NodeID, cfg types.Config) *Manager {
	return &Manager{
		self:      self,
		txns:      txns,
		transport: transport,
		survivors: survivors,
		cfg:       cfg,
		logger:    log.WithComponent("recovery"),
		inFlight:  make(map[types.TxID]bool),
	}
}

// OnNodeLeft starts recovery for every transaction coordinated by the
// departed node that this node still holds participant state for.
// pkg/cache calls it from its membership-change subscriber.
func (m *Manager) OnNodeLeft(left types.NodeID) {
	for _, id := range m.txns.DoubtfulOf(left) {
		id := id
		go m.Resolve(context.Background(), id)
	}
}

// HandleCheckCommitted answers another participant's recovery query:
// the committed record if this node already applied the transaction,
// nil otherwise. Duplicate queries return the same answer.
func (m *Manager) HandleCheckCommitted(ctx context.Context, from types.NodeID, req types.CheckCommitted) types.CheckCommittedResponse {
	if info, ok := m.txns.CommittedInfo(req.TxID); ok {
		return types.CheckCommittedResponse{TxID: req.TxID, Info: &info}
	}
	return types.CheckCommittedResponse{TxID: req.TxID}
}

// Resolve drives the check-committed protocol for one doubtful
// transaction to a deterministic outcome:
//
//  1. If any participant (or this node itself) holds a committed record,
//     commit by replaying its write set at its commit version.
//  2. If every queried survivor answered None and none is missing,
//     rollback.
//  3. If some survivor did not answer in time, re-issue once to the
//     nodes still alive; if the outcome is still undetermined after all
//     known participants have been queried, rollback heuristically and
//     log it loudly.
//
// Every surviving participant evaluating the same responses reaches the
// same outcome, and repeated Resolve calls for the same transaction are
// no-ops once one completes.
func (m *Manager) Resolve(ctx context.Context, id types.TxID) {
	m.mu.Lock()
	if m.inFlight[id] {
		m.mu.Unlock()
		return
	}
	m.inFlight[id] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, id)
		m.mu.Unlock()
	}()

	// A locally applied outcome decides immediately.
	if info, ok := m.txns.CommittedInfo(id); ok {
		m.txns.Recover(ctx, id, &info)
		metrics.RecoveriesTotal.WithLabelValues("commit").Inc()
		return
	}

	info, undetermined := m.query(ctx, id)
	if info == nil && undetermined {
		// Re-issue to whoever is still alive before giving up.
		info, undetermined = m.query(ctx, id)
	}

	switch {
	case info != nil:
		m.logger.Info().Str("tx", id.String()).Msg("recovery: committing from a participant's record")
		m.txns.Recover(ctx, id, info)
		metrics.RecoveriesTotal.WithLabelValues("commit").Inc()
	case !undetermined:
		m.logger.Info().Str("tx", id.String()).Msg("recovery: no participant committed, rolling back")
		m.txns.Recover(ctx, id, nil)
		metrics.RecoveriesTotal.WithLabelValues("rollback").Inc()
	default:
		m.logger.Error().Str("tx", id.String()).Err(types.ErrTxHeuristic).
			Msg("TX_HEURISTIC_ROLLBACK: recovery outcome undetermined after querying all known participants")
		m.txns.Recover(ctx, id, nil)
		metrics.RecoveriesTotal.WithLabelValues("heuristic_rollback").Inc()
	}
}

// query broadcasts CheckCommitted to every current survivor and gathers
// replies until all respond or the recovery timeout passes. It returns
// the first committed record seen, and whether any expected responder
// failed to answer.
func (m *Manager) query(ctx context.Context, id types.TxID) (*types.CommittedInfo, bool) {
	peers := make([]types.NodeID, 0)
	for _, n := range m.survivors() {
		if n != m.self {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return nil, false
	}

	req := types.CheckCommitted{TxID: id, Participants: append(peers, m.self)}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
	defer cancel()

	var mu sync.Mutex
	var found *types.CommittedInfo
	missing := false

	g, gctx := errgroup.WithContext(qctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			resp, err := m.transport.CheckCommitted(gctx, peer, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn().Str("tx", id.String()).Str("peer", string(peer)).Err(err).
					Msg("check-committed query failed")
				missing = true
				return nil
			}
			if resp.Info != nil && found == nil {
				found = resp.Info
			}
			return nil
		})
	}
	_ = g.Wait()
	return found, missing
}
