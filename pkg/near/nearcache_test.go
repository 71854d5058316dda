package near

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestGetMissInstallThenHit(t *testing.T) {
	c := New()
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Install(types.NearEntry{Key: "a", Value: []byte("1"), Version: types.Version{Order: 1}, Primary: "p"})
	e, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), e.Value)
}

func TestInvalidateOnlyDropsOlderVersion(t *testing.T) {
	c := New()
	c.Install(types.NearEntry{Key: "a", Value: []byte("1"), Version: types.Version{Order: 2}})

	c.Invalidate("a", types.Version{Order: 1})
	_, ok := c.Get("a")
	require.True(t, ok, "a stale invalidation must not drop a newer near entry")

	c.Invalidate("a", types.Version{Order: 3})
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestInvalidateRaceWithInstall(t *testing.T) {
	c := New()
	// Invalidate for v2 arrives before the GetResponse for v1 is installed.
	c.Invalidate("a", types.Version{Order: 2})
	c.Install(types.NearEntry{Key: "a", Value: []byte("stale"), Version: types.Version{Order: 1}})

	_, ok := c.Get("a")
	require.False(t, ok, "a stashed invalidation must suppress installing an older fetch result")
}

type fakeSender struct {
	mu  sync.Mutex
	got map[types.NodeID]types.Invalidate
}

func (f *fakeSender) SendInvalidate(_ context.Context, to types.NodeID, msg types.Invalidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[to] = msg
	return nil
}

func TestFanoutClearsReadersAndSends(t *testing.T) {
	s := store.New(4)
	s.AddReader(0, "a", "r1")
	s.AddReader(0, "a", "r2")

	sender := &fakeSender{got: make(map[types.NodeID]types.Invalidate)}
	f := NewFanout(sender, types.FullSync)

	err := f.Dispatch(context.Background(), s, 0, "a", types.Version{Order: 5}, types.Version{Order: 99})
	require.NoError(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.got, 2)
	require.Contains(t, sender.got, types.NodeID("r1"))
	require.Contains(t, sender.got, types.NodeID("r2"))

	remaining := s.ReadersAndClear(0, "a")
	require.Empty(t, remaining, "reader set must be cleared after dispatch")
}

func TestFanoutAsyncDoesNotBlock(t *testing.T) {
	s := store.New(4)
	s.AddReader(0, "a", "r1")

	sender := &fakeSender{got: make(map[types.NodeID]types.Invalidate)}
	f := NewFanout(sender, types.FullAsync)

	start := time.Now()
	err := f.Dispatch(context.Background(), s, 0, "a", types.Version{Order: 1}, types.Version{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
