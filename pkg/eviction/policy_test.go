package eviction

import (
	"testing"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestLRUBoundUnderPuts(t *testing.T) {
	// Scenario 5: maxBlocks=3, put k1..k5 each 1 block.
	evicted := map[string]bool{}
	p := New(types.EvictionConfig{MaxBlocks: 3, BlockSize: 1 << 20})
	p.SetEvictFunc(func(_ types.PartitionID, key string) bool {
		evicted[key] = true
		return true
	})

	for i := 1; i <= 5; i++ {
		key := string(rune('0' + i))
		p.OnPut(0, "k"+key, 10)
	}

	require.Equal(t, 3, p.ResidentBlocks())
	require.True(t, evicted["k1"])
	require.True(t, evicted["k2"])
	require.False(t, evicted["k3"])
	require.False(t, evicted["k4"])
	require.False(t, evicted["k5"])
}

func TestTouchProtectsFromEviction(t *testing.T) {
	evicted := []string{}
	p := New(types.EvictionConfig{MaxBlocks: 3, BlockSize: 1 << 20})
	p.SetEvictFunc(func(_ types.PartitionID, key string) bool {
		evicted = append(evicted, key)
		return true
	})

	for i := 1; i <= 3; i++ {
		key := string(rune('0' + i))
		p.OnPut(0, "k"+key, 10)
	}
	// k1, k2, k3 resident; touch k1 (now MRU).
	p.OnAccess(0, "k1", 10, true)
	// Put k4: the new tail is k2, not k1.
	p.OnPut(0, "k4", 10)

	require.Contains(t, evicted, "k2")
	require.NotContains(t, evicted, "k1")
}

func TestRefusalCoolsDownAndTriesNextVictim(t *testing.T) {
	refused := map[string]bool{"k1": true}
	evicted := map[string]bool{}
	p := New(types.EvictionConfig{MaxBlocks: 2, BlockSize: 1 << 20, MaxEvictTries: 8})
	p.SetEvictFunc(func(_ types.PartitionID, key string) bool {
		if refused[key] {
			return false
		}
		evicted[key] = true
		return true
	})

	p.OnPut(0, "k1", 10)
	p.OnPut(0, "k2", 10)
	p.OnPut(0, "k3", 10)

	require.False(t, evicted["k1"], "refused victim must not be dropped")
	require.True(t, evicted["k2"], "eviction must make progress against the next victim")
	require.LessOrEqual(t, p.ResidentBlocks(), 3)
}

func TestEvictStallSignalled(t *testing.T) {
	var stalled bool
	p := New(types.EvictionConfig{MaxBlocks: 1, BlockSize: 1 << 20, MaxEvictTries: 2})
	p.SetEvictFunc(func(_ types.PartitionID, key string) bool { return false })
	p.SetStallFunc(func(_ types.PartitionID, key string) { stalled = true })

	p.OnPut(0, "k1", 10)
	p.OnPut(0, "k2", 10)

	require.True(t, stalled)
}

func TestExcludedKeysNeverTracked(t *testing.T) {
	p := New(types.EvictionConfig{MaxBlocks: 1, BlockSize: 1 << 20})
	p.SetExcluded([]string{"sys:"})
	p.SetEvictFunc(func(_ types.PartitionID, key string) bool { return true })

	p.OnPut(0, "sys:config", 10)
	require.Equal(t, 0, p.ResidentBlocks())
}
