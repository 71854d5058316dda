package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/hashicorp/raft"
)

// NodeAddr pairs a node's stable identity with both addresses peers need
// to reach it: the raft transport address (to resolve a leader's dispatch
// address for join redirects) and the dispatch transport address every
// other component actually talks to.
type NodeAddr struct {
	ID       types.NodeID
	RaftAddr string
	Addr     string // dispatch transport address
}

// Command is the single command kind the FSM ever applies: a full
// membership snapshot, not an
// incremental join/leave delta. Applying the whole set each time keeps
// Apply trivially idempotent on raft log replay.
type Command struct {
	Nodes []NodeAddr
}

// ChangeFunc is invoked synchronously by Apply for every committed
// membership command, with the raft log index (the topology version)
// and the new node set. It must not block — pkg/cache's subscriber
// defers the actual exchange onto its own goroutine.
type ChangeFunc func(topVer uint32, nodes []NodeAddr)

// FSM applies MembershipChanged commands and tracks the current node
// set, adapted from this repository's cluster-state FSM: same
// Apply/Snapshot/Restore shape, one command kind instead of a dozen
// resource-CRUD ops.
type FSM struct {
	mu       sync.RWMutex
	nodes    []NodeAddr
	onChange ChangeFunc
}

// NewFSM builds an FSM with no subscriber; call OnChange before the raft
// instance starts applying log entries to avoid missing the first one.
func NewFSM() *FSM {
	return &FSM{}
}

// OnChange installs the callback invoked after every committed command.
func (f *FSM) OnChange(fn ChangeFunc) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Nodes returns the current node set.
func (f *FSM) Nodes() []NodeAddr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]NodeAddr, len(f.nodes))
	copy(out, f.nodes)
	return out
}

// Apply decodes and installs one Command, then reports the change.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("membership: unmarshal command: %w", err)
	}

	sorted := append([]NodeAddr(nil), cmd.Nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	f.mu.Lock()
	f.nodes = sorted
	onChange := f.onChange
	f.mu.Unlock()

	if onChange != nil {
		onChange(uint32(log.Index), sorted)
	}
	return nil
}

// Snapshot captures the current node set for raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{nodes: f.Nodes()}, nil
}

// Restore replaces the node set from a snapshot taken on another node,
// used when this node joins or restarts and replays history.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var nodes []NodeAddr
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("membership: decode snapshot: %w", err)
	}
	f.mu.Lock()
	f.nodes = nodes
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	nodes []NodeAddr
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
