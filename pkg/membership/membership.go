package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const (
	applyTimeout    = 10 * time.Second
	addVoterTimeout = 10 * time.Second
)

// Manager owns this node's raft instance and turns raft configuration
// changes into the ordered topology-version sequence the cache consumes.
// Raft carries only membership commands — never cache data.
type Manager struct {
	nodeID       types.NodeID
	raftAddr     string
	dispatchAddr string
	dataDir      string

	raft *raft.Raft
	fsm  *FSM

	observer *raft.Observer
	obsCh    chan raft.Observation
	stopCh   chan struct{}
}

// Config holds what a Manager needs to start.
type Config struct {
	NodeID       types.NodeID
	RaftAddr     string
	DispatchAddr string
	DataDir      string
}

// NewManager creates a Manager; call Bootstrap or StartFollower to start raft.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Manager{
		nodeID:       cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		dispatchAddr: cfg.DispatchAddr,
		dataDir:      cfg.DataDir,
		fsm:          NewFSM(),
		stopCh:       make(chan struct{}),
	}, nil
}

// FSM exposes the membership state machine so the cache can subscribe to
// change notifications before raft starts applying log entries.
func (m *Manager) FSM() *FSM { return m.fsm }

// NodeID returns this node's stable identity.
func (m *Manager) NodeID() types.NodeID { return m.nodeID }

// DispatchAddr returns the dispatch transport address this node publishes
// to peers.
func (m *Manager) DispatchAddr() string { return m.dispatchAddr }

func (m *Manager) newRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = os.Stderr

	// Tuned below the library defaults so a dead coordinator is detected
	// and transaction recovery starts within a few seconds, not tens.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.raftAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.raftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	m.obsCh = make(chan raft.Observation, 16)
	m.observer = raft.NewObserver(m.obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.FailedHeartbeatObservation)
		return ok
	})
	m.raft.RegisterObserver(m.observer)
	go m.watchFailures()

	return nil
}

// Bootstrap initializes a new single-node cluster with this node as the
// only member and publishes the first membership command.
func (m *Manager) Bootstrap() error {
	if err := m.newRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.raftAddr)},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	// Wait to become leader of the single-node cluster, then publish the
	// initial membership so topVer 1+ exists before any cache operation.
	deadline := time.Now().Add(10 * time.Second)
	for m.raft.State() != raft.Leader {
		if time.Now().After(deadline) {
			return fmt.Errorf("membership: timed out waiting for leadership after bootstrap")
		}
		time.Sleep(50 * time.Millisecond)
	}

	self := NodeAddr{ID: m.nodeID, RaftAddr: m.raftAddr, Addr: m.dispatchAddr}
	if err := m.applyMembership([]NodeAddr{self}); err != nil {
		return err
	}

	logger := log.WithComponent("membership")
	logger.Info().
		Str("node", string(m.nodeID)).
		Msg("bootstrapped single-node cluster")
	return nil
}

// StartFollower starts raft without bootstrapping, for a node that will
// be admitted to an existing cluster via a JoinRequest to the leader.
func (m *Manager) StartFollower() error {
	return m.newRaft()
}

// HandleJoin admits a new node: called on the node that receives a
// JoinRequest over dispatch. Only the leader can admit; followers answer
// with the leader's address so the joiner can retry there.
func (m *Manager) HandleJoin(req types.JoinRequest) types.JoinResponse {
	if m.raft == nil {
		return types.JoinResponse{Err: "raft not initialized"}
	}
	if m.raft.State() != raft.Leader {
		_, leaderID := m.raft.LeaderWithID()
		leaderAddr := m.dispatchAddrOf(types.NodeID(leaderID))
		return types.JoinResponse{OK: false, LeaderAddr: leaderAddr, Err: "not the leader"}
	}

	future := m.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.Addr), 0, addVoterTimeout)
	if err := future.Error(); err != nil {
		return types.JoinResponse{Err: fmt.Sprintf("failed to add voter: %v", err)}
	}

	nodes := m.fsm.Nodes()
	found := false
	for i := range nodes {
		if nodes[i].ID == req.NodeID {
			nodes[i] = NodeAddr{ID: req.NodeID, RaftAddr: req.Addr, Addr: req.Dispatch}
			found = true
		}
	}
	if !found {
		nodes = append(nodes, NodeAddr{ID: req.NodeID, RaftAddr: req.Addr, Addr: req.Dispatch})
	}
	if err := m.applyMembership(nodes); err != nil {
		return types.JoinResponse{Err: err.Error()}
	}

	logger := log.WithComponent("membership")
	logger.Info().
		Str("node", string(req.NodeID)).
		Str("raft_addr", req.Addr).
		Msg("admitted node to cluster")
	return types.JoinResponse{OK: true}
}

// Remove expels a node: drops it from the raft configuration and
// publishes membership without it. Leader-only; used both for graceful
// leave and by the failure watcher.
func (m *Manager) Remove(node types.NodeID) error {
	if m.raft == nil || m.raft.State() != raft.Leader {
		return fmt.Errorf("membership: not the leader")
	}

	if err := m.raft.RemoveServer(raft.ServerID(node), 0, addVoterTimeout).Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	nodes := m.fsm.Nodes()
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != node {
			kept = append(kept, n)
		}
	}
	if err := m.applyMembership(kept); err != nil {
		return err
	}

	logger := log.WithComponent("membership")
	logger.Warn().
		Str("node", string(node)).
		Msg("removed node from cluster")
	return nil
}

// watchFailures runs on every node but acts only while leader: a failed
// heartbeat observation for a follower means its process is gone (or
// partitioned); expel it so the exchange can reassign its partitions and
// transaction recovery can run against the surviving quorum.
func (m *Manager) watchFailures() {
	for {
		select {
		case <-m.stopCh:
			return
		case obs := <-m.obsCh:
			fh, ok := obs.Data.(raft.FailedHeartbeatObservation)
			if !ok {
				continue
			}
			if m.raft.State() != raft.Leader {
				continue
			}
			if err := m.Remove(types.NodeID(fh.PeerID)); err != nil {
				logger := log.WithComponent("membership")
				logger.Error().
					Str("node", string(fh.PeerID)).
					Err(err).
					Msg("failed to expel unreachable node")
			}
		}
	}
}

func (m *Manager) applyMembership(nodes []NodeAddr) error {
	data, err := json.Marshal(Command{Nodes: nodes})
	if err != nil {
		return fmt.Errorf("membership: marshal command: %w", err)
	}
	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("membership: apply command: %w", err)
	}
	if respErr, ok := future.Response().(error); ok {
		return respErr
	}
	return nil
}

// IsLeader reports whether this node currently leads the raft group.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderDispatchAddr returns the dispatch address of the current leader,
// or "" if unknown.
func (m *Manager) LeaderDispatchAddr() string {
	if m.raft == nil {
		return ""
	}
	_, id := m.raft.LeaderWithID()
	return m.dispatchAddrOf(types.NodeID(id))
}

func (m *Manager) dispatchAddrOf(node types.NodeID) string {
	for _, n := range m.fsm.Nodes() {
		if n.ID == node {
			return n.Addr
		}
	}
	return ""
}

// Nodes returns the current committed node set.
func (m *Manager) Nodes() []NodeAddr { return m.fsm.Nodes() }

// NodeIDs returns the current committed node set as sorted IDs — the
// Snapshot input to the affinity function.
func (m *Manager) NodeIDs() []types.NodeID {
	nodes := m.fsm.Nodes()
	out := make([]types.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NodeOrder returns this node's 1-based position in the sorted membership
// — the nodeOrder component the version oracle stamps for tie-breaking.
// Zero means this node is not (yet) a member.
func (m *Manager) NodeOrder() uint32 {
	for i, id := range m.NodeIDs() {
		if id == m.nodeID {
			return uint32(i + 1)
		}
	}
	return 0
}

// Shutdown stops the failure watcher and tears down raft.
func (m *Manager) Shutdown() error {
	close(m.stopCh)
	if m.observer != nil {
		m.raft.DeregisterObserver(m.observer)
	}
	if m.raft != nil {
		return m.raft.Shutdown().Error()
	}
	return nil
}
