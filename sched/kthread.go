package sched

import (
	"sync"
	"time"

	"github.com/hashicorp/nu"
)

// maxRunQueue bounds a Kthread's primary run queue before Enqueue starts
// spilling into overflow, mirroring the bounded-local-queue/global-
// overflow split Go's own runtime scheduler uses between a P's run queue
// and the global run queue.
const maxRunQueue = 256

// Kthread is one cooperative scheduling domain, per spec.md §4.8: a run
// queue, an overflow list, a deprioritized list (for RCU writer
// starvation avoidance), and a side list for threads siphoned off by an
// in-progress migration. Each Kthread drives its queue from a single
// goroutine — Go's own preemptive scheduler is not fought; this is a
// logical scheduler of proclet-bound work items layered on top (see
// DESIGN.md and SPEC_FULL.md §3.9).
type Kthread struct {
	id int

	mu            sync.Mutex
	runQueue      []*Task
	overflow      []*Task
	deprioritized []*Task
	migrating     []*Task

	// pauseTarget/paused implement spec.md's "pause request": checked at
	// every schedule decision, threads whose Owner matches are siphoned
	// to migrating instead of being run.
	paused      bool
	pauseTarget nu.ProcletID

	// prioritizing/prioritizeExempt implement the RCU writer's
	// "prioritize and wait": while true, only tasks whose Owner is the
	// exempt rcu-holding proclet (or no owner) are run; everything else
	// is moved to deprioritized until the writer clears the flag.
	prioritizing   bool
	prioritizeOnly nu.ProcletID

	notEmpty *sync.Cond
	stopCh   chan struct{}
	stopped  bool
}

func newKthread(id int) *Kthread {
	k := &Kthread{id: id, stopCh: make(chan struct{})}
	k.notEmpty = sync.NewCond(&k.mu)
	return k
}

// Enqueue appends t to the tail of the run queue (FIFO within a kthread,
// per spec.md §4.8), unless a pause/prioritize request immediately
// redirects it. Once the run queue reaches maxRunQueue, new tasks spill
// into the overflow list instead of growing the primary queue without
// bound; dequeue drains overflow back in once the run queue empties.
func (k *Kthread) Enqueue(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.redirectLocked(t) {
		return
	}
	if len(k.runQueue) >= maxRunQueue {
		k.overflow = append(k.overflow, t)
		return
	}
	k.runQueue = append(k.runQueue, t)
	k.notEmpty.Signal()
}

// EnqueueHead inserts t ahead of the run queue, used for waking
// preemptors and for threads whose monitored proclet just became
// runnable again, per spec.md §4.8's "head-enqueue primitive."
func (k *Kthread) EnqueueHead(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.redirectLocked(t) {
		return
	}
	k.runQueue = append([]*Task{t}, k.runQueue...)
	k.notEmpty.Signal()
}

// redirectLocked applies the pause/prioritize checks to a task about to
// be admitted to the run queue. Returns true if t was redirected instead
// of queued normally. Caller must hold k.mu.
func (k *Kthread) redirectLocked(t *Task) bool {
	if k.paused && t.Owner != nu.NilProcletID && t.Owner == k.pauseTarget {
		k.migrating = append(k.migrating, t)
		return true
	}
	if k.prioritizing && t.Owner != k.prioritizeOnly {
		k.deprioritized = append(k.deprioritized, t)
		return true
	}
	return false
}

// Loop drives the kthread's run queue until Stop is called. It is meant
// to be run in its own goroutine.
func (k *Kthread) Loop() {
	for {
		task := k.dequeue()
		if task == nil {
			return
		}
		k.exec(task)
	}
}

func (k *Kthread) dequeue() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	for len(k.runQueue) == 0 {
		if len(k.overflow) > 0 {
			k.runQueue, k.overflow = k.overflow, nil
			break
		}
		if k.stopped {
			return nil
		}
		k.notEmpty.Wait()
	}
	t := k.runQueue[0]
	k.runQueue = k.runQueue[1:]
	return t
}

func (k *Kthread) exec(t *Task) {
	if t.Run == nil {
		return
	}
	tok := NewToken()
	start := time.Now()
	if t.Header != nil {
		t.Header.Enter()
	}
	t.Run(tok)
	if t.Header != nil {
		t.Header.Leave()
		t.Header.AddMonitorCycles(time.Since(start))
	}
}

// Stop signals Loop to return once the current task (if any) finishes and
// the queue is observed empty.
func (k *Kthread) Stop() {
	k.mu.Lock()
	k.stopped = true
	k.notEmpty.Broadcast()
	k.mu.Unlock()
}

// SetPauseRequest raises a pause request for target: from this point on,
// any task newly admitted whose Owner is target is siphoned to the
// migrating side list rather than run. It does not retroactively move
// tasks already sitting in the run queue — DrainPaused does that.
func (k *Kthread) SetPauseRequest(target nu.ProcletID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = true
	k.pauseTarget = target
}

// ClearPauseRequest ends a pause request, re-admitting tasks for target
// normally again.
func (k *Kthread) ClearPauseRequest() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = false
	k.pauseTarget = nu.NilProcletID
}

// DrainMigrating sweeps the current run queue for any already-queued task
// whose Owner matches target, moving it to the migrating side list, and
// returns every task collected there (queued-before and queued-during the
// pause request). This is the mechanism behind migrator's snapshot phase
// for "pending_threads": tasks here have never started executing, so they
// serialize trivially as (ClosureID, Args).
func (k *Kthread) DrainMigrating(target nu.ProcletID) []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	kept := k.runQueue[:0:0]
	for _, t := range k.runQueue {
		if t.Owner == target {
			k.migrating = append(k.migrating, t)
		} else {
			kept = append(kept, t)
		}
	}
	k.runQueue = kept

	out := k.migrating
	k.migrating = nil
	return out
}

// SetPrioritizeRequest raises the RCU writer's starvation-avoidance path:
// only tasks whose Owner equals only are admitted normally; everything
// else is deprioritized until ClearPrioritizeRequest.
func (k *Kthread) SetPrioritizeRequest(only nu.ProcletID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.prioritizing = true
	k.prioritizeOnly = only
}

// ClearPrioritizeRequest ends the RCU writer path, re-admitting the
// deprioritized list back onto the head of the run queue so those tasks
// run before anything enqueued after the writer finished.
func (k *Kthread) ClearPrioritizeRequest() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.prioritizing = false
	if len(k.deprioritized) > 0 {
		k.runQueue = append(k.deprioritized, k.runQueue...)
		k.deprioritized = nil
		k.notEmpty.Signal()
	}
}

// StealHalf removes and returns roughly half of k's run queue, used by a
// peer Kthread's work-stealing pass. Returns nil if there is nothing
// worth stealing.
func (k *Kthread) StealHalf() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := len(k.runQueue)
	if n < 2 {
		return nil
	}
	half := n / 2
	stolen := make([]*Task, half)
	copy(stolen, k.runQueue[n-half:])
	k.runQueue = k.runQueue[:n-half]
	return stolen
}

// Len reports the current run-queue depth, including anything spilled
// into overflow, used by the scheduler to pick a steal victim.
func (k *Kthread) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.runQueue) + len(k.overflow)
}
