package sched

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/hashicorp/nu"
)

// Scheduler owns a fixed pool of Kthreads and is the single entry point
// work enters the cooperative layer through, per spec.md §4.8. Proclet
// affinity (which Kthread a given proclet's tasks land on) is decided by
// a simple ProcletID-modulo assignment. There is no global run queue;
// TryStealFor moves half of a random peer's queue onto a given Kthread,
// but only when a caller invokes it — nothing rebalances on its own.
type Scheduler struct {
	kthreads []*Kthread
	wg       sync.WaitGroup

	stealMu sync.Mutex
	rng     *rand.Rand
}

// New constructs a Scheduler with n Kthreads. n <= 0 defaults to
// runtime.GOMAXPROCS(0), matching spec.md §4.8's "one kthread per core by
// default."
func New(n int) *Scheduler {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{
		kthreads: make([]*Kthread, n),
		rng:      rand.New(rand.NewSource(1)),
	}
	for i := range s.kthreads {
		s.kthreads[i] = newKthread(i)
	}
	return s
}

// Start launches every Kthread's Loop in its own goroutine. It starts no
// background work-stealer.
func (s *Scheduler) Start() {
	for _, k := range s.kthreads {
		s.wg.Add(1)
		go func(k *Kthread) {
			defer s.wg.Done()
			k.Loop()
		}(k)
	}
}

// Stop signals every Kthread to drain and return, then waits for all
// Loop goroutines to exit.
func (s *Scheduler) Stop() {
	for _, k := range s.kthreads {
		k.Stop()
	}
	s.wg.Wait()
}

// homeFor picks the Kthread a proclet's tasks are affine to. Runtime-owned
// tasks (Owner == NilProcletID, e.g. controller RPC plumbing) are spread
// at random via the rng to avoid hot-spotting kthread 0.
func (s *Scheduler) homeFor(owner nu.ProcletID) *Kthread {
	n := len(s.kthreads)
	if owner == nu.NilProcletID {
		s.stealMu.Lock()
		idx := s.rng.Intn(n)
		s.stealMu.Unlock()
		return s.kthreads[idx]
	}
	return s.kthreads[uint64(owner)%uint64(n)]
}

// Submit enqueues t onto its home Kthread.
func (s *Scheduler) Submit(t *Task) {
	s.homeFor(t.Owner).Enqueue(t)
}

// SubmitUrgent enqueues t at the head of its home Kthread's run queue, for
// continuations that must resume as soon as possible (e.g. a caller woken
// up after a proclet it was waiting on becomes runnable again).
func (s *Scheduler) SubmitUrgent(t *Task) {
	s.homeFor(t.Owner).EnqueueHead(t)
}

// TryStealFor attempts to pull up to half of a random peer Kthread's queue
// onto dst, returning the number of tasks moved; harmless if it finds
// nothing to steal. Kthread.Loop does not call it.
func (s *Scheduler) TryStealFor(dst *Kthread) int {
	n := len(s.kthreads)
	if n < 2 {
		return 0
	}
	s.stealMu.Lock()
	victim := s.kthreads[s.rng.Intn(n)]
	s.stealMu.Unlock()
	if victim == dst {
		return 0
	}
	stolen := victim.StealHalf()
	for _, t := range stolen {
		dst.Enqueue(t)
	}
	return len(stolen)
}

// PauseProclet raises a pause request for target on every Kthread and
// drains each one's run queue of already-queued tasks owned by target,
// returning the full set of "pending threads" the migrator needs to ship
// (spec.md §4.5 step 2). The proclet's Header should already be draining
// in-flight calls via WaitDrained by the time this returns usefully.
func (s *Scheduler) PauseProclet(target nu.ProcletID) []*Task {
	for _, k := range s.kthreads {
		k.SetPauseRequest(target)
	}
	var pending []*Task
	for _, k := range s.kthreads {
		pending = append(pending, k.DrainMigrating(target)...)
	}
	return pending
}

// ResumeProclet clears a previously-raised pause request on every Kthread,
// called on migration failure/abort to restore normal scheduling for
// target.
func (s *Scheduler) ResumeProclet(target nu.ProcletID) {
	for _, k := range s.kthreads {
		k.ClearPauseRequest()
	}
}

// PrioritizeFor raises the RCU writer-sync path across every Kthread,
// exempting only tasks owned by except. Used by rcu.Lock.Writer callers
// that want scheduler-wide (rather than single-lock) starvation avoidance
// during a cross-proclet structural change.
func (s *Scheduler) PrioritizeFor(except nu.ProcletID) {
	for _, k := range s.kthreads {
		k.SetPrioritizeRequest(except)
	}
}

// ClearPrioritize ends a previously-raised PrioritizeFor on every Kthread.
func (s *Scheduler) ClearPrioritize() {
	for _, k := range s.kthreads {
		k.ClearPrioritizeRequest()
	}
}

// NumKthreads reports the size of the scheduler's kthread pool.
func (s *Scheduler) NumKthreads() int { return len(s.kthreads) }
