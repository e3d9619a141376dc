// Package proclet defines the per-object metadata (Header), the bump/
// free-list heap it owns (Slab), and the typed handle family user code
// holds (Proclet[T], WeakProclet[T], and the RemPtr family).
package proclet

import (
	"sync"
	"time"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/structs"
)

// RemoteCallStats tracks call volume and bytes moved to a single remote
// node, keyed by destination in Header.RemoteCallMap.
type RemoteCallStats struct {
	Count uint64
	Bytes uint64
}

// Header is co-located with every proclet's slab and carries the fields
// enumerated in spec.md §3. It is the unit the migrator snapshots and
// ships.
type Header struct {
	ID     nu.ProcletID
	Status nu.Status

	// RefCnt is the strong-handle reference count. Destruction is
	// triggered when it transitions to 0 (spec.md invariant 2).
	RefCnt int64

	Capacity uint64
	Slab     *Slab

	// MemShard is the mempool shard index this proclet's capacity was
	// carved from by Pool.Allocate, threaded back through Pool.Release
	// on destroy/migrate-away. -1 for headers built without going
	// through the shard-rotation path (remote Construct, migration-in
	// reconstruction), which debit the node-wide budget directly
	// instead.
	MemShard int

	OwnerIP structs.NodeIP

	// SpinLock guards the metrics fields below (LocalCallCnt,
	// RemoteCallMap, MonitorCycles); it is a plain mutex in this port.
	SpinLock sync.Mutex

	// PendingThreads counts continuations scheduled against or running
	// inside this proclet; used by the migrator's quiesce phase to know
	// when draining is complete.
	PendingThreads int

	MonitorCycles time.Duration
	LocalCallCnt  uint64
	RemoteCallMap map[structs.NodeIP]*RemoteCallStats

	Pinned bool

	// mu guards Status, RefCnt and PendingThreads; readers of Status take
	// it shared, so the common case of "proclet is present and stable"
	// does not block other readers.
	mu sync.RWMutex

	// cond wakes goroutines waiting for PendingThreads to drain to zero
	// during a migration's quiesce phase.
	cond *sync.Cond
}

// NewHeader allocates a fresh header with its own slab of the requested
// capacity. The header starts Present on ownerIP.
func NewHeader(id nu.ProcletID, capacity uint64, ownerIP structs.NodeIP) *Header {
	h := &Header{
		ID:            id,
		Status:        nu.StatusPresent,
		RefCnt:        1,
		Capacity:      capacity,
		Slab:          NewSlab(capacity),
		MemShard:      -1,
		OwnerIP:       ownerIP,
		RemoteCallMap: make(map[structs.NodeIP]*RemoteCallStats),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Enter registers a thread as executing inside the proclet, incrementing
// PendingThreads. Callers must call Leave when they return or suspend.
// This is the bookkeeping half of the migration guard described in
// spec.md §4.4 step 1 and §3 invariant 3.
func (h *Header) Enter() {
	h.mu.Lock()
	h.PendingThreads++
	h.mu.Unlock()
}

// Leave unregisters a thread that has finished executing inside the
// proclet, waking any migrator waiting for drain-to-zero.
func (h *Header) Leave() {
	h.mu.Lock()
	h.PendingThreads--
	if h.PendingThreads == 0 {
		h.cond.Broadcast()
	}
	h.mu.Unlock()
}

// WaitDrained blocks until PendingThreads reaches zero. Used by the
// migrator's quiesce phase once the scheduler has stopped admitting new
// entries (see sched.Kthread.SetPauseRequest).
func (h *Header) WaitDrained() {
	h.mu.Lock()
	for h.PendingThreads > 0 {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// SetStatus atomically transitions the header's status, used by the
// migrator at each phase boundary (present -> migrating-out -> absent on
// the source; migrating-in -> present on the destination).
func (h *Header) SetStatus(s nu.Status) {
	h.mu.Lock()
	h.Status = s
	h.mu.Unlock()
}

// GetStatus reads the current status under the header's lock.
func (h *Header) GetStatus() nu.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Status
}

// RecordLocalCall bumps the local-call metric, per spec.md §4.4 step 2.
func (h *Header) RecordLocalCall() {
	h.SpinLock.Lock()
	h.LocalCallCnt++
	h.SpinLock.Unlock()
}

// RecordRemoteCall bumps the per-destination remote-call metric, for
// operators inspecting hot edges; the pressure handler does not read it.
func (h *Header) RecordRemoteCall(dest structs.NodeIP, bytes int) {
	h.SpinLock.Lock()
	defer h.SpinLock.Unlock()
	stats, ok := h.RemoteCallMap[dest]
	if !ok {
		stats = &RemoteCallStats{}
		h.RemoteCallMap[dest] = stats
	}
	stats.Count++
	stats.Bytes += uint64(bytes)
}

// AddMonitorCycles accumulates the wall-clock proxy for "cycles" spent
// running inside this proclet, added by the scheduler on every
// cooperative switch (spec.md §4.8 "cycle accounting").
func (h *Header) AddMonitorCycles(d time.Duration) {
	h.SpinLock.Lock()
	h.MonitorCycles += d
	h.SpinLock.Unlock()
}

// AddRefCnt applies delta to the strong refcount and reports whether the
// proclet has just reached zero (i.e. should be destroyed by the caller).
func (h *Header) AddRefCnt(delta int64) (newCount int64, destroyed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.RefCnt += delta
	return h.RefCnt, h.RefCnt <= 0
}
