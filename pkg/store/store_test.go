package store

import (
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

func commitPut(t *testing.T, s *Store, part types.PartitionID, key string, value string, ver types.Version) types.Entry {
	t.Helper()
	tx := ver
	_, err := s.Lock(part, key, tx, time.Second)
	require.NoError(t, err)
	s.Stage(part, key, types.WriteOp{Key: key, Value: []byte(value)}, tx)
	e, err := s.Commit(part, key, tx, ver)
	require.NoError(t, err)
	return e
}

func TestCommitThenPeek(t *testing.T) {
	s := New(4)
	v := types.Version{Order: 1}
	commitPut(t, s, 0, "a", "1", v)

	e, ok := s.Peek(0, "a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), e.Value)
}

func TestVersionMustIncrease(t *testing.T) {
	s := New(4)
	v1 := types.Version{Order: 1}
	v2 := types.Version{Order: 2}
	commitPut(t, s, 0, "a", "1", v1)
	commitPut(t, s, 0, "a", "2", v2)

	e, ok := s.Peek(0, "a")
	require.True(t, ok)
	require.Equal(t, []byte("2"), e.Value)
	require.True(t, e.Version.Newer(v1))
}

func TestLockTimeoutReportsHolder(t *testing.T) {
	s := New(4)
	tx1 := types.Version{Order: 1}
	tx2 := types.Version{Order: 2}

	_, err := s.Lock(0, "a", tx1, time.Second)
	require.NoError(t, err)

	holder, err := s.Lock(0, "a", tx2, 20*time.Millisecond)
	require.ErrorIs(t, err, types.ErrLockTimeout)
	require.Equal(t, tx1, holder)
}

func TestRollbackDropsStagedWrite(t *testing.T) {
	s := New(4)
	tx := types.Version{Order: 1}
	_, err := s.Lock(0, "a", tx, time.Second)
	require.NoError(t, err)
	s.Stage(0, "a", types.WriteOp{Value: []byte("x")}, tx)
	s.Rollback(0, "a", tx)

	_, ok := s.Peek(0, "a")
	require.False(t, ok)

	// Lock must be free again for another transaction.
	tx2 := types.Version{Order: 2}
	_, err = s.Lock(0, "a", tx2, 50*time.Millisecond)
	require.NoError(t, err)
}

func TestInvalidateOnlyAcceptsNewerVersion(t *testing.T) {
	s := New(4)
	v2 := types.Version{Order: 2}
	commitPut(t, s, 0, "a", "2", v2)

	stale := types.Entry{Key: "a", Value: []byte("stale"), Version: types.Version{Order: 1}}
	require.False(t, s.Invalidate(0, "a", stale))

	fresh := types.Entry{Key: "a", Value: []byte("fresh"), Version: types.Version{Order: 3}}
	require.True(t, s.Invalidate(0, "a", fresh))

	e, ok := s.Peek(0, "a")
	require.True(t, ok)
	require.Equal(t, []byte("fresh"), e.Value)
}

func TestEvictInternalRefusedWhenLocked(t *testing.T) {
	s := New(4)
	v := types.Version{Order: 1}
	tx := v
	_, err := s.Lock(0, "a", tx, time.Second)
	require.NoError(t, err)
	s.Stage(0, "a", types.WriteOp{Value: []byte("1")}, tx)
	_, err = s.Commit(0, "a", tx, v)
	require.NoError(t, err)

	// Re-lock under a different tx to simulate an in-flight operation.
	tx2 := types.Version{Order: 2}
	_, err = s.Lock(0, "a", tx2, time.Second)
	require.NoError(t, err)

	ok := s.EvictInternal(0, "a", nil)
	require.False(t, ok, "a locked entry must never be evicted")
}

func TestReadersClearedOnRead(t *testing.T) {
	s := New(4)
	v := types.Version{Order: 1}
	commitPut(t, s, 0, "a", "1", v)
	s.AddReader(0, "a", "r1")
	s.AddReader(0, "a", "r2")

	readers := s.ReadersAndClear(0, "a")
	require.ElementsMatch(t, []types.NodeID{"r1", "r2"}, readers)

	readers = s.ReadersAndClear(0, "a")
	require.Empty(t, readers)
}
