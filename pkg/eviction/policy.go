package eviction

import (
	"container/list"
	"sync"

	"github.com/gridcache/gridcache/pkg/types"
)

// blockKey identifies one block of one entry.
type blockKey struct {
	part     types.PartitionID
	key      string
	blockIdx int
}

type blockNode struct {
	blockKey
	size int64
}

// EvictFunc asks the entry store to evict one key; it returns false if
// the store refuses (locked, has active readers and eviction must be
// synchronous, or the local partition is not OWNING).
type EvictFunc func(part types.PartitionID, key string) bool

// StallFunc is invoked when evictWhileOverBudget cannot make progress
// within MaxTries attempts — the EVICT_STALL backpressure signal.
type StallFunc func(part types.PartitionID, key string)

// Policy is the block-granularity LRU
type Policy struct {
	mu sync.Mutex

	list  *list.List
	index map[blockKey]*list.Element

	blockSize     int
	maxBlocks     int
	maxBytes      int64
	curBytes      int64
	maxTries      int
	excludePaths  []string

	evict EvictFunc
	stall StallFunc
}

// New builds a Policy from the configured eviction limits.
func New(cfg types.EvictionConfig) *Policy {
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 64 << 10
	}
	maxTries := cfg.MaxEvictTries
	if maxTries <= 0 {
		maxTries = 32
	}
	return &Policy{
		list:         list.New(),
		index:        make(map[blockKey]*list.Element),
		blockSize:    blockSize,
		maxBlocks:    cfg.MaxBlocks,
		maxBytes:     cfg.MaxBytes,
		maxTries:     maxTries,
		excludePaths: cfg.ExcludePaths,
	}
}

// SetEvictFunc wires the entry-store-backed eviction callback. Must be
// called before any OnPut/OnAccess triggers budget enforcement.
func (p *Policy) SetEvictFunc(fn EvictFunc) { p.evict = fn }

// SetStallFunc wires the EVICT_STALL backpressure callback.
func (p *Policy) SetStallFunc(fn StallFunc) { p.stall = fn }

// SetExcluded replaces the set of key prefixes exempt from tracking —
// blocks for matching entries are never inserted into the LRU list and so
// can never be evicted by this policy.
func (p *Policy) SetExcluded(prefixes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excludePaths = prefixes
}

func (p *Policy) isExcluded(key string) bool {
	for _, prefix := range p.excludePaths {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func blockCount(valueLen, blockSize int) int {
	if valueLen <= 0 {
		return 1
	}
	n := (valueLen + blockSize - 1) / blockSize
	if n < 1 {
		n = 1
	}
	return n
}

// OnAccess moves every block of an entry to MRU. isRead is not used:
// reads and writes are treated alike.
func (p *Policy) OnAccess(part types.PartitionID, key string, valueLen int, isRead bool) {
	if p.isExcluded(key) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := blockCount(valueLen, p.blockSize)
	for i := 0; i < n; i++ {
		bk := blockKey{part, key, i}
		if el, ok := p.index[bk]; ok {
			p.list.MoveToFront(el)
		}
	}
}

// OnPut inserts new blocks at MRU for a freshly committed entry, then
// enforces the budget.
func (p *Policy) OnPut(part types.PartitionID, key string, valueLen int) {
	if p.isExcluded(key) {
		return
	}
	p.mu.Lock()
	n := blockCount(valueLen, p.blockSize)
	perBlock := int64(valueLen) / int64(n)
	if perBlock < 1 {
		perBlock = 1
	}
	for i := 0; i < n; i++ {
		bk := blockKey{part, key, i}
		if el, ok := p.index[bk]; ok {
			p.list.MoveToFront(el)
			continue
		}
		node := &blockNode{blockKey: bk, size: perBlock}
		el := p.list.PushFront(node)
		p.index[bk] = el
		p.curBytes += perBlock
	}
	p.mu.Unlock()

	p.evictWhileOverBudget()
}

// OnRemove unlinks every block belonging to key.
func (p *Policy) OnRemove(part types.PartitionID, key string, valueLen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := blockCount(valueLen, p.blockSize)
	for i := 0; i < n; i++ {
		bk := blockKey{part, key, i}
		if el, ok := p.index[bk]; ok {
			p.list.Remove(el)
			delete(p.index, bk)
			p.curBytes -= el.Value.(*blockNode).size
		}
	}
}

func (p *Policy) overBudget() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overBudgetLocked()
}

func (p *Policy) overBudgetLocked() bool {
	if p.maxBlocks > 0 && p.list.Len() > p.maxBlocks {
		return true
	}
	if p.maxBytes > 0 && p.curBytes > p.maxBytes {
		return true
	}
	return false
}

// ResidentBlocks and ResidentBytes report current occupancy, used by
// pkg/cache's put backpressure check and by budget assertions in tests.
func (p *Policy) ResidentBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list.Len()
}

func (p *Policy) ResidentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curBytes
}

// evictWhileOverBudget repeatedly pops the LRU tail and asks EvictFunc to
// evict it. A refusal moves the block to a cool-down position near the
// head instead of the tail, and the loop tries the next victim; it gives
// up after maxTries consecutive refusals and raises EVICT_STALL.
func (p *Policy) evictWhileOverBudget() {
	if p.evict == nil {
		return
	}
	tries := 0
	for p.overBudget() {
		if tries >= p.maxTries {
			p.mu.Lock()
			back := p.list.Back()
			p.mu.Unlock()
			if back != nil && p.stall != nil {
				bn := back.Value.(*blockNode)
				p.stall(bn.part, bn.key)
			}
			return
		}

		p.mu.Lock()
		back := p.list.Back()
		if back == nil {
			p.mu.Unlock()
			return
		}
		bn := back.Value.(*blockNode)
		p.mu.Unlock()

		if p.evict(bn.part, bn.key) {
			p.mu.Lock()
			if el, ok := p.index[bn.blockKey]; ok {
				p.list.Remove(el)
				delete(p.index, bn.blockKey)
				p.curBytes -= bn.size
			}
			p.mu.Unlock()
			tries = 0
			continue
		}

		// Refused: reposition near the front (cool-down) so the sweep
		// makes progress against the next-oldest victim instead of
		// spinning on the same refused block.
		p.mu.Lock()
		if el, ok := p.index[bn.blockKey]; ok {
			p.list.MoveToFront(el)
		}
		p.mu.Unlock()
		tries++
	}
}
