package topology

import (
	"sync"
	"sync/atomic"

	"github.com/gridcache/gridcache/pkg/types"
)

// Map is an immutable snapshot of every partition's state and owners at
// one topology version. Once published via Topology.update it is never
// mutated — callers that need a changed state get a fresh Map.
type Map struct {
	TopVer     uint32
	Partitions map[types.PartitionID]types.PartitionInfo
}

func (m *Map) clone() *Map {
	cp := &Map{TopVer: m.TopVer, Partitions: make(map[types.PartitionID]types.PartitionInfo, len(m.Partitions))}
	for k, v := range m.Partitions {
		cp.Partitions[k] = v
	}
	return cp
}

// Reservation pins a partition against rent/eviction for the duration of
// an operation. Release must be called exactly once.
type Reservation struct {
	part types.PartitionID
	t    *Topology
}

// Release drops this reservation, allowing RENTING -> EVICTED to proceed
// once no other references remain.
func (r *Reservation) Release() {
	r.t.release(r.part)
}

// Topology is the per-node map of partition states and owners.
type Topology struct {
	self NodeID

	snapshot atomic.Pointer[Map]

	mu           sync.Mutex // exchange-scoped exclusive lock for update()
	reservations map[types.PartitionID]int
	entryCounts  map[types.PartitionID]int
	backupStream map[types.PartitionID]int // in-flight outbound supply streams
}

// NodeID is a local alias so this package does not need to import
// pkg/membership (which would create an import cycle through pkg/cache).
type NodeID = types.NodeID

// New builds an empty Topology for node self, with no partitions assigned
// yet — update must be called once the first exchange completes.
func New(self NodeID) *Topology {
	t := &Topology{
		self:         self,
		reservations: make(map[types.PartitionID]int),
		entryCounts:  make(map[types.PartitionID]int),
		backupStream: make(map[types.PartitionID]int),
	}
	t.snapshot.Store(&Map{Partitions: map[types.PartitionID]types.PartitionInfo{}})
	return t
}

// Snapshot returns the current partition map without blocking writers.
func (t *Topology) Snapshot() *Map {
	return t.snapshot.Load()
}

// State returns the local state of a partition, or PartitionStateUnassigned
// if nothing is known about it yet.
func (t *Topology) State(part types.PartitionID) types.PartitionState {
	info, ok := t.Snapshot().Partitions[part]
	if !ok {
		return types.PartitionStateUnassigned
	}
	return info.State
}

// Owners returns the owner list published for a partition at the current
// topology version.
func (t *Topology) Owners(part types.PartitionID) types.PartitionOwners {
	return t.Snapshot().Partitions[part].Owners
}

// LocalPartitions returns every partition this node currently owns
// (OWNING or MOVING — both count as live for ownership coverage).
func (t *Topology) LocalPartitions() []types.PartitionID {
	snap := t.Snapshot()
	out := make([]types.PartitionID, 0, len(snap.Partitions))
	for id, info := range snap.Partitions {
		if info.State == types.PartitionStateOwning || info.State == types.PartitionStateMoving {
			out = append(out, id)
		}
	}
	return out
}

// Reserve pins partition against eviction for the duration of an
// operation. Fails with ErrNotOwning if the local state is not OWNING —
// an operation must never proceed against a partition this node doesn't
// authoritatively hold.
func (t *Topology) Reserve(part types.PartitionID) (*Reservation, error) {
	if t.State(part) != types.PartitionStateOwning {
		return nil, types.ErrNotOwning
	}
	t.mu.Lock()
	t.reservations[part]++
	t.mu.Unlock()
	return &Reservation{part: part, t: t}, nil
}

func (t *Topology) release(part types.PartitionID) {
	t.mu.Lock()
	t.reservations[part]--
	if t.reservations[part] <= 0 {
		delete(t.reservations, part)
	}
	t.mu.Unlock()
	t.maybeEvict(part)
}

// OnEntryAdded/OnEntryRemoved track how many entries a MOVING or RENTING
// partition locally holds, used only as a liveness counter for
// diagnostics; the RENTING -> EVICTED decision itself is driven by
// reservations and outbound supply streams (see CanEvict); entry count
// alone is not a safe signal.
func (t *Topology) OnEntryAdded(part types.PartitionID) {
	t.mu.Lock()
	t.entryCounts[part]++
	t.mu.Unlock()
}

func (t *Topology) OnEntryRemoved(part types.PartitionID) {
	t.mu.Lock()
	if t.entryCounts[part] > 0 {
		t.entryCounts[part]--
	}
	t.mu.Unlock()
}

// BeginBackupStream/EndBackupStream bracket an outbound supply stream for
// a partition (pkg/preloader, acting as supplier). While one is open the
// partition cannot transition RENTING -> EVICTED: otherwise a backup
// being actively read for a supply batch could be evicted mid-stream,
// so a supplier's source data stays put until the stream ends.
func (t *Topology) BeginBackupStream(part types.PartitionID) {
	t.mu.Lock()
	t.backupStream[part]++
	t.mu.Unlock()
}

func (t *Topology) EndBackupStream(part types.PartitionID) {
	t.mu.Lock()
	if t.backupStream[part] > 0 {
		t.backupStream[part]--
	}
	t.mu.Unlock()
	t.maybeEvict(part)
}

// CanEvict reports whether a RENTING partition has no local references
// left: no reservations, no in-flight backup stream. Transactions holding
// entry locks in the partition are not counted. pkg/preloader's sweep
// also waits for every new owner to report OWNING before calling TryEvict.
func (t *Topology) CanEvict(part types.PartitionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reservations[part] == 0 && t.backupStream[part] == 0
}

// TryEvict attempts the RENTING -> EVICTED transition now, for the
// preloader's post-exchange sweep, and reports whether it happened.
func (t *Topology) TryEvict(part types.PartitionID) bool {
	if t.State(part) != types.PartitionStateRenting || !t.CanEvict(part) {
		return false
	}
	t.transition(part, types.PartitionStateEvicted)
	return true
}

func (t *Topology) maybeEvict(part types.PartitionID) {
	if t.State(part) != types.PartitionStateRenting {
		return
	}
	if !t.CanEvict(part) {
		return
	}
	t.transition(part, types.PartitionStateEvicted)
}

// transition installs a state change for a single partition by cloning
// and swapping the snapshot — update() does this for a whole exchange;
// transition does it for the single-partition RENTING->EVICTED and
// MOVING->OWNING edges driven locally rather than by a fresh exchange.
func (t *Topology) transition(part types.PartitionID, state types.PartitionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.snapshot.Load()
	next := cur.clone()
	info := next.Partitions[part]
	info.ID = part
	info.State = state
	next.Partitions[part] = info
	t.snapshot.Store(next)
}

// MarkOwning transitions a MOVING partition to OWNING once the preloader
// confirms every entry has streamed in.
func (t *Topology) MarkOwning(part types.PartitionID) {
	t.transition(part, types.PartitionStateOwning)
}

// MarkLost transitions a MOVING partition to LOST when no live owner
// survives the exchange that assigned it.
func (t *Topology) MarkLost(part types.PartitionID) {
	t.transition(part, types.PartitionStateLost)
}

// Update applies a new authoritative partition map received at the end
// of an exchange. Partitions newly owned by this node that it does not yet hold become MOVING; partitions no
// longer assigned to this node become RENTING (not immediately evicted —
// CanEvict governs that); everything else keeps its local state.
func (t *Topology) Update(topVer uint32, owners map[types.PartitionID]types.PartitionOwners, heldLocally map[types.PartitionID]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := &Map{TopVer: topVer, Partitions: make(map[types.PartitionID]types.PartitionInfo, len(owners))}
	cur := t.snapshot.Load()

	for part, own := range owners {
		prevState := cur.Partitions[part].State
		info := types.PartitionInfo{ID: part, Owners: own}

		assignedHere := own.Primary() == t.self || own.Backups() != nil && own.Contains(t.self)
		switch {
		case assignedHere && heldLocally[part]:
			if prevState == types.PartitionStateMoving || prevState == types.PartitionStateOwning {
				info.State = prevState
			} else {
				info.State = types.PartitionStateOwning
			}
		case assignedHere && !heldLocally[part]:
			info.State = types.PartitionStateMoving
		case !assignedHere && heldLocally[part]:
			info.State = types.PartitionStateRenting
		default:
			info.State = prevState
		}
		next.Partitions[part] = info
	}
	t.snapshot.Store(next)
}
