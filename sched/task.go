package sched

import (
	"sync/atomic"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/proclet"
)

// tokenSeq mints the per-invocation tokens threaded explicitly through
// entry points in place of thread-local storage, per spec.md §9's
// "explicit context struct" redesign note: Go has no per-goroutine
// storage to hang an "owner proclet" or "current slab" off of, so every
// Task gets a fresh Token and passes it down instead.
var tokenSeq uint64

// Token identifies one logical thread-of-control for the lifetime of a
// single Task execution. rcu.Lock and proclet.Slab key their per-caller
// bookkeeping off of it.
type Token uint64

// NewToken mints a fresh token, used outside of the scheduler (e.g. a
// caller thread issuing a local fast-path call that never enqueues a
// Task) to get a valid key for proclet.Install/rcu.Lock.RLock.
func NewToken() Token {
	return Token(atomic.AddUint64(&tokenSeq, 1))
}

// Task is a not-yet-started continuation: spec.md's frame state machine
// starts every call in state "start", meaning at enqueue time a Task is
// nothing more than a function closure plus its owner proclet. This is
// exactly the sub-case the migrator can serialize without any stack
// capture (see migrator package) — Task additionally carries the
// archived closure id/args so, if chosen as a migration victim while
// still queued, it can be shipped as structs.MigrationEnvelope.PendingTasks
// and re-enqueued verbatim on the destination.
type Task struct {
	Owner  nu.ProcletID
	Header *proclet.Header // nil for runtime-owned tasks with no proclet affinity

	ClosureID string
	Args      []byte

	// Run is invoked with a fresh Token once the task is dequeued and
	// admitted (i.e. not siphoned off by a pause request). Tasks without
	// a Run (pure migration payloads reconstructed on a destination) are
	// re-hydrated by the procletserver before being handed back to a
	// Kthread.
	Run func(Token)
}
