package membership

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func applyCmd(t *testing.T, f *FSM, index uint64, nodes ...NodeAddr) {
	t.Helper()
	data, err := json.Marshal(Command{Nodes: nodes})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Index: index, Data: data})
	if err, ok := resp.(error); ok {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestApplySortsAndNotifies(t *testing.T) {
	f := NewFSM()
	var gotVer uint32
	var gotNodes []NodeAddr
	f.OnChange(func(topVer uint32, nodes []NodeAddr) {
		gotVer = topVer
		gotNodes = nodes
	})

	applyCmd(t, f, 7,
		NodeAddr{ID: "b", Addr: "addr-b"},
		NodeAddr{ID: "a", Addr: "addr-a"},
	)

	require.Equal(t, uint32(7), gotVer, "the log index is the topology version")
	require.Len(t, gotNodes, 2)
	require.Equal(t, types.NodeID("a"), gotNodes[0].ID, "node sets are published sorted")
	require.Equal(t, []NodeAddr(gotNodes), f.Nodes())
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, 3, NodeAddr{ID: "a"}, NodeAddr{ID: "b"})
	applyCmd(t, f, 3, NodeAddr{ID: "a"}, NodeAddr{ID: "b"})
	require.Len(t, f.Nodes(), 2)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, 1, NodeAddr{ID: "a", RaftAddr: "r", Addr: "d"})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, snap.Persist(&memorySink{w: &buf}))

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))
	require.Equal(t, f.Nodes(), restored.Nodes())
}

// memorySink satisfies raft.SnapshotSink over a buffer.
type memorySink struct {
	w io.Writer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) ID() string                  { return "memory" }
func (s *memorySink) Cancel() error               { return nil }
