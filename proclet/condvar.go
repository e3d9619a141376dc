package proclet

import "sync"

// CondVar is a proclet-scoped condition variable usable from within a
// proclet's own methods, ported from the original system's
// nu::CondVar (inc/nu/utils/cond_var.hpp). It is a thin wrapper over
// sync.Cond: migration safety comes from the fact that a CondVar only
// ever lives inside a proclet's slab, so it migrates along with the rest
// of the proclet's state rather than needing special migrator handling.
//
// Exercised by spec.md §8 scenario 2 (a credit-balance producer/consumer
// pair that must reach a consistent final balance across a forced
// migration).
type CondVar struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewCondVar constructs a ready-to-use condition variable.
func NewCondVar() *CondVar {
	c := &CondVar{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Lock acquires the condvar's own mutex, for callers that want to guard a
// predicate with the same lock Wait releases.
func (c *CondVar) Lock()   { c.mu.Lock() }
func (c *CondVar) Unlock() { c.mu.Unlock() }

// Wait releases the lock and blocks until Signal or Broadcast is called,
// then re-acquires the lock before returning, matching
// nu::CondVar::wait's semantics under the caller-held mutex.
func (c *CondVar) Wait() { c.cond.Wait() }

// Signal wakes at most one waiter.
func (c *CondVar) Signal() { c.cond.Signal() }

// Broadcast wakes every waiter, corresponding to nu::CondVar::signal_all.
func (c *CondVar) Broadcast() { c.cond.Broadcast() }
