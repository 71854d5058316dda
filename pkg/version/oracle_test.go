package version

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOracleMonotonic(t *testing.T) {
	o := New(7)
	o.SetTopVer(3)

	prev := o.Next()
	for i := 0; i < 1000; i++ {
		next := o.Next()
		require.True(t, prev.Less(next), "version sequence must be strictly increasing")
		prev = next
	}
}

func TestOracleConcurrentMonotonic(t *testing.T) {
	o := New(1)
	const n = 200
	versions := make([]struct{ order uint64 }, n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			v := o.Next()
			mu.Lock()
			seen[v.Order] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, n, "every concurrent Next() call must produce a distinct order")
	_ = versions
}

func TestOracleNodeOrderTiesBreak(t *testing.T) {
	a := New(1).Next()
	b := New(2).Next()
	a.GlobalTime = 100
	b.GlobalTime = 100
	a.Order = 1
	b.Order = 1
	require.True(t, a.Less(b))
}
