// Package rcu implements the read-skewed synchronization primitive of
// spec.md §4.9: readers check a barrier flag and then take a shared
// RWMutex hold; writers raise the barrier, raise the scheduler's
// prioritize request, wait for in-flight readers to drain by taking the
// RWMutex exclusively, mutate, then clear the barrier.
//
// Two call sites in this port use two different, equally valid
// "read-skewed" mechanisms, as spec.md §4.9 permits: the id->ip caches in
// client/rpcclient and controller/state swap an immutable radix tree
// under an atomic.Pointer (no lock at all on the read path); Lock here is
// for proclet-local hash maps and handle tables that mutate in place and
// cannot simply swap a whole structure.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/nu"
)

const maxNestedHolds = 64

// Prioritizer is the subset of sched.Scheduler's surface a Writer needs
// to realize spec.md §4.9's "prioritize and wait": raise the
// scheduler-wide request that only the exempt proclet's (or no
// proclet's) work keeps running, and clear it once the write completes.
// A narrow interface here, rather than importing package sched
// directly, keeps rcu usable by callers that have only a stand-in
// scheduler (tests) or none at all (New's zero-owner default).
type Prioritizer interface {
	PrioritizeFor(except nu.ProcletID)
	ClearPrioritize()
}

// noopPrioritizer is used by New, for lock instances that protect
// process-local state no scheduler needs to reason about.
type noopPrioritizer struct{}

func (noopPrioritizer) PrioritizeFor(nu.ProcletID) {}
func (noopPrioritizer) ClearPrioritize()           {}

// Lock is a single read-skewed lock instance. The zero value is not
// usable; construct with New or NewWithScheduler.
type Lock struct {
	mu      sync.RWMutex
	barrier atomic.Bool

	// cond wakes readers backed off onto the mutex+condvar fallback once
	// a writer clears the barrier.
	fallback sync.Mutex
	cond     *sync.Cond

	// holds counts nested reader holds per goroutine token (spec.md §4.9
	// "nested rcu holds are counted per thread, up to a small fixed
	// cap"). Go has no true thread-local storage, so the token is
	// whatever the caller threads through explicitly — see sched.Token —
	// matching the "explicit context struct" redesign note in spec.md §9.
	holdsMu sync.Mutex
	holds   map[uint64]int

	// owner is the proclet this lock instance belongs to, if any; it is
	// the except argument passed to sched's PrioritizeFor so the
	// owner's own in-flight work is not the thing deprioritized by its
	// own writer.
	owner nu.ProcletID
	sched Prioritizer
}

// New constructs a ready-to-use RCU lock whose Writer does not reach
// into any scheduler's prioritize-and-wait path — appropriate for
// protecting state with no proclet affinity and no cooperative
// scheduler backing it (e.g. a unit test, or a process-wide cache with
// its own starvation-avoidance story).
func New() *Lock {
	return NewWithScheduler(nu.NilProcletID, noopPrioritizer{})
}

// NewWithScheduler constructs a lock whose Writer calls sched's
// PrioritizeFor(owner)/ClearPrioritize around the exclusive section,
// the cluster-wide (here, scheduler-wide) "prioritize and wait" of
// spec.md §4.9.
func NewWithScheduler(owner nu.ProcletID, sched Prioritizer) *Lock {
	l := &Lock{holds: make(map[uint64]int), owner: owner, sched: sched}
	l.cond = sync.NewCond(&l.fallback)
	return l
}

// RLock acquires a read hold for the given goroutine token. If a writer
// barrier is currently raised, the reader backs off: it yields briefly
// (via runtime.Gosched, approximating spec.md's "yield briefly"), and if
// the barrier is still up, falls back to waiting on the condvar until the
// writer clears it.
func (l *Lock) RLock(token uint64) {
	l.holdsMu.Lock()
	depth := l.holds[token]
	l.holdsMu.Unlock()

	if depth > 0 {
		// Already held by this token (nested); do not re-block, just
		// bump the counter, matching the "nested holds counted per
		// thread" rule.
		l.holdsMu.Lock()
		if l.holds[token] < maxNestedHolds {
			l.holds[token]++
		}
		l.holdsMu.Unlock()
		return
	}

	if l.barrier.Load() {
		runtime.Gosched()
	}
	for l.barrier.Load() {
		l.backoff()
	}
	l.mu.RLock()

	l.holdsMu.Lock()
	l.holds[token] = 1
	l.holdsMu.Unlock()
}

func (l *Lock) backoff() {
	l.fallback.Lock()
	if l.barrier.Load() {
		l.cond.Wait()
	}
	l.fallback.Unlock()
}

// RUnlock releases one nesting level of a read hold for token.
func (l *Lock) RUnlock(token uint64) {
	l.holdsMu.Lock()
	depth := l.holds[token]
	if depth <= 0 {
		l.holdsMu.Unlock()
		return
	}
	depth--
	if depth == 0 {
		delete(l.holds, token)
	} else {
		l.holds[token] = depth
	}
	l.holdsMu.Unlock()

	if depth == 0 {
		l.mu.RUnlock()
	}
}

// Writer runs fn under the exclusive writer path: raise the barrier
// (causing new/backed-off readers to wait), call the scheduler-wide
// PrioritizeFor(owner) so every kthread stops admitting work that isn't
// this lock's owner (spec.md §4.9's "prioritize and wait"), wait for
// already-admitted readers to drain via the underlying RWMutex's write
// lock, run fn, clear the barrier, the prioritize request, and wake
// anyone parked on the fallback condvar.
func (l *Lock) Writer(fn func()) {
	l.barrier.Store(true)
	l.sched.PrioritizeFor(l.owner)

	l.mu.Lock()
	fn()
	l.mu.Unlock()

	l.sched.ClearPrioritize()
	l.barrier.Store(false)

	l.fallback.Lock()
	l.cond.Broadcast()
	l.fallback.Unlock()
}
