// Package mempool implements the distributed memory pool of spec.md
// §4.1/§4.7: a per-node byte budget, subdivided into shards that act as
// a per-CPU local allocation cache so concurrent allocators on
// different kthreads rarely contend on the same mutex, plus a
// background probe that resurrects shards a prior allocation marked
// full once they drain.
//
// It is grounded on the teacher's Wranglers/ProcessWrangler pattern
// (client/lib/proclib/wrangler.go): a mutex-guarded map keyed by a shard
// identifier, with a background reconciliation pass — here, shards are
// memory-size classes instead of process handles, and reconciliation
// re-probes a "full" shard's headroom instead of polling a subprocess's
// liveness.
package mempool

import (
	"context"
	"crypto/md5"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount is the number of shards the pool's budget is initially
// divided into, mirroring the original's per-core free-shard cache
// (spec.md §4.1 "shard hint"). Allocate may grow beyond this if every
// existing shard is pinned full by other local caches — step 3 of
// spec.md §4.7's algorithm.
const shardCount = 16

// DefaultProbeInterval is how often the background reconciliation pass
// revisits shards a prior allocation marked full.
const DefaultProbeInterval = 500 * time.Millisecond

type shard struct {
	mu     sync.Mutex
	budget uint64
	used   uint64
	full   bool
}

func (s *shard) tryReserve(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.used+n > s.budget {
		s.full = true
		return false
	}
	s.used += n
	return true
}

func (s *shard) release(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.used {
		s.used = 0
	} else {
		s.used -= n
	}
}

func (s *shard) hasSpaceFor(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used+n <= s.budget
}

// probe re-checks whether n bytes would fit and, if so, clears the full
// flag so the next Allocate on this shard's slot stops rotating away
// from it. Unlike the timer-driven resurrect pass, probe acts
// regardless of whether full was already set — it is the synchronous,
// on-demand counterpart ProbeShard exposes for a caller that just
// freed space and wants an immediate answer.
func (s *shard) probe(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n <= s.budget {
		s.full = false
		return true
	}
	s.full = true
	return false
}

// markFull sets the shard's full flag, so tryReserve refuses it from
// then on and the next allocator that lands on it rotates away instead
// of retrying the same shard.
func (s *shard) markFull() {
	s.mu.Lock()
	s.full = true
	s.mu.Unlock()
}

// resurrect clears a shard's full flag once the probe observes it has
// drained enough to satisfy at least a minimal allocation again.
func (s *shard) resurrect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return false
	}
	if s.used < s.budget {
		s.full = false
		return true
	}
	return false
}

// Pool tracks this node's aggregate free capacity across every resident
// proclet's slab, subdivided into shards that local allocators cache to
// avoid a single global hot mutex.
type Pool struct {
	totalBytes  uint64
	shardBudget uint64

	mu        sync.Mutex
	usedBytes uint64

	shardsMu sync.Mutex
	shards   []*shard
	freeList []int

	// local is the per-CPU cache slot array (spec.md §4.7's "per-CPU
	// local shard"): local[cpu] holds the index of the shard this slot
	// currently has claimed, or -1 if none. Go exposes no notion of the
	// executing OS thread/core, so callers supply a hint (typically
	// derived from a ProcletID or sched.Token) that is reduced modulo
	// len(local) to pick a slot — a stable-enough proxy for "this
	// logical thread's home core," matching sched.Kthread's own
	// ProcletID-modulo affinity in package sched.
	local []atomic.Int64
}

// New constructs a Pool budgeted at totalBytes, with one local cache
// slot per runtime.GOMAXPROCS(0) — "per-CPU" in the idiomatic Go sense.
func New(totalBytes uint64) *Pool {
	return NewWithLocalSlots(totalBytes, runtime.GOMAXPROCS(0))
}

// NewWithLocalSlots is New with an explicit number of local cache
// slots, used by tests that want deterministic rotation behavior
// independent of GOMAXPROCS.
func NewWithLocalSlots(totalBytes uint64, numSlots int) *Pool {
	if numSlots <= 0 {
		numSlots = 1
	}
	p := &Pool{
		totalBytes:  totalBytes,
		shardBudget: totalBytes / shardCount,
	}
	p.shards = make([]*shard, 0, shardCount)
	p.freeList = make([]int, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		p.shards = append(p.shards, &shard{budget: p.shardBudget})
		p.freeList = append(p.freeList, i)
	}
	p.local = make([]atomic.Int64, numSlots)
	for i := range p.local {
		p.local[i].Store(-1)
	}
	return p
}

// ShardHint deterministically maps an arbitrary key (a ProcletID, a
// sched.Token, anything with a stable uint64 form) to a local cache
// slot, grounded on the same md5-based sharding the reference
// implementation uses for its hash-ring key placement.
func (p *Pool) ShardHint(key uint64) int {
	b := [8]byte{
		byte(key), byte(key >> 8), byte(key >> 16), byte(key >> 24),
		byte(key >> 32), byte(key >> 40), byte(key >> 48), byte(key >> 56),
	}
	sum := md5.Sum(b[:])
	return int(sum[0]) % len(p.local)
}

// Allocate implements spec.md §4.7's allocate<T> algorithm: read the
// local shard cached for hint's slot, try to carve n bytes out of it
// (the allocate_raw<T> step), and on failure rotate in a fresh shard
// from the global free list — creating one if the free list is
// exhausted — before retrying. Returns the shard index the allocation
// landed in (callers thread this back through Release) and whether
// the node's overall budget had room at all.
func (p *Pool) Allocate(hint uint64, n uint64) (shardIdx int, ok bool) {
	if !p.reserveGlobal(n) {
		return 0, false
	}

	slot := p.ShardHint(hint)
	for {
		if idx := p.local[slot].Load(); idx >= 0 {
			if p.shards[idx].tryReserve(n) {
				return int(idx), true
			}
			// allocate_raw returned null: the cached shard is full,
			// mark it and fall through to rotate in a replacement.
			p.shards[idx].markFull()
		}

		idx, grew := p.rotateLocal(slot, n)
		p.local[slot].Store(int64(idx))
		if grew || p.shards[idx].tryReserve(n) {
			return idx, true
		}
	}
}

// rotateLocal pops a shard with room for n off the global free list,
// creating a fresh one if none qualifies (spec.md §4.7 step 3). The
// returned grew flag reports whether the shard is brand new (and thus
// already holds the reservation: it is created with the n bytes counted
// as used, and its budget is the larger of the shard budget and n).
func (p *Pool) rotateLocal(slot int, n uint64) (idx int, grew bool) {
	p.shardsMu.Lock()
	defer p.shardsMu.Unlock()

	for len(p.freeList) > 0 {
		candidate := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		if p.shards[candidate].hasSpaceFor(n) {
			return candidate, false
		}
		// Still full; the background probe will return it to the free
		// list once it drains rather than offering it again here.
	}

	budget := p.shardBudget
	if n > budget {
		budget = n
	}
	s := &shard{budget: budget, used: n}
	p.shards = append(p.shards, s)
	return len(p.shards) - 1, true
}

// Release credits n bytes back to shardIdx (as returned by Allocate)
// and to the node-wide budget, called when a proclet allocated through
// this shard is destroyed or migrates away.
func (p *Pool) Release(shardIdx int, n uint64) {
	p.shardsMu.Lock()
	s := p.shards[shardIdx]
	p.shardsMu.Unlock()
	s.release(n)
	p.releaseGlobal(n)
}

func (p *Pool) reserveGlobal(n uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usedBytes+n > p.totalBytes {
		return false
	}
	p.usedBytes += n
	return true
}

func (p *Pool) releaseGlobal(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.usedBytes {
		p.usedBytes = 0
		return
	}
	p.usedBytes -= n
}

// Reserve debits n bytes from the node-wide budget without going
// through the shard-rotation path, used by callers (the remote
// Construct RPC handler) that have no local-cache affinity to key off
// of and only care about the aggregate budget.
func (p *Pool) Reserve(n uint64) bool {
	return p.reserveGlobal(n)
}

// ReleaseBudget credits n bytes back to the node-wide budget only,
// the counterpart to Reserve for allocations that never went through
// Allocate.
func (p *Pool) ReleaseBudget(n uint64) {
	p.releaseGlobal(n)
}

// FreeBytes reports the node's remaining budget, fed into the
// controller heartbeat and read directly by the pressure handler.
func (p *Pool) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usedBytes >= p.totalBytes {
		return 0
	}
	return p.totalBytes - p.usedBytes
}

// MarkShardFull records that the shard cached for a given hint could
// not satisfy a recent allocation, so the background prober considers
// it for resurrection and new allocators rotate away from it. Exposed
// directly (in addition to the implicit marking inside Allocate) for
// callers that learn of exhaustion out of band, e.g. a migration
// source that just drained a shard below a watermark.
func (p *Pool) MarkShardFull(hint uint64) {
	slot := p.ShardHint(hint)
	if idx := p.local[slot].Load(); idx >= 0 {
		p.shards[idx].markFull()
	}
}

// ProbeShard re-checks whether the shard cached for hint can again
// satisfy an allocation of n bytes, clearing its full flag on success.
// RunProbe does not call this (its timer-driven pass uses each shard's
// resurrect check); ProbeShard is the standalone, synchronous probe for
// callers that want an immediate answer (e.g. right after a large
// Release).
func (p *Pool) ProbeShard(hint uint64, n uint64) bool {
	slot := p.ShardHint(hint)
	if idx := p.local[slot].Load(); idx >= 0 {
		return p.shards[idx].probe(n)
	}
	return true
}

// RunProbe drives the background reconciliation pass spec.md §4.7
// promises: every interval, walk the shard table and resurrect any
// shard whose usage has dropped back under its budget, returning it to
// the free list other local caches can rotate onto. Meant to be
// started once in its own goroutine for the lifetime of the node.
func (p *Pool) RunProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Pool) probeOnce() {
	p.shardsMu.Lock()
	shards := make([]*shard, len(p.shards))
	copy(shards, p.shards)
	p.shardsMu.Unlock()

	var resurrected []int
	for i, s := range shards {
		if s.resurrect() {
			resurrected = append(resurrected, i)
		}
	}
	if len(resurrected) == 0 {
		return
	}
	p.shardsMu.Lock()
	p.freeList = append(p.freeList, resurrected...)
	p.shardsMu.Unlock()
}
