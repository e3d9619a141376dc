package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
)

func TestHomeForIsStableForSameOwner(t *testing.T) {
	s := New(4)
	owner := nu.ProcletID(11)
	require.Same(t, s.homeFor(owner), s.homeFor(owner))
}

func TestSubmitRunsOnSchedulerPool(t *testing.T) {
	s := New(2)
	s.Start()
	defer s.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ran []nu.ProcletID

	for i := 1; i <= 10; i++ {
		wg.Add(1)
		owner := nu.ProcletID(i)
		s.Submit(&Task{Owner: owner, Run: func(Token) {
			mu.Lock()
			ran = append(ran, owner)
			mu.Unlock()
			wg.Done()
		}})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted tasks did not all run in time")
	}
	require.Len(t, ran, 10)
}

func TestSubmitUrgentRunsAheadOfQueuedWork(t *testing.T) {
	s := New(1)

	var order []string
	var mu sync.Mutex
	record := func(name string) func(Token) {
		return func(Token) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	// All three tasks land on the lone Kthread but never run until Start
	// below, so both normal tasks are already queued when the urgent one
	// is placed at the head, ahead of them.
	s.Submit(&Task{Owner: nu.ProcletID(1), Run: record("normal")})
	s.Submit(&Task{Owner: nu.ProcletID(2), Run: record("normal2")})
	s.SubmitUrgent(&Task{Owner: nu.ProcletID(3), Run: record("urgent")})

	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"urgent", "normal", "normal2"}, order)
}

func TestPauseProcletDrainsQueuedTasksAcrossKthreads(t *testing.T) {
	s := New(4)
	target := nu.ProcletID(4) // lands on kthreads[0] via modulo, deterministically
	for i := 0; i < 3; i++ {
		s.Submit(&Task{Owner: target, Run: func(Token) {}})
	}

	pending := s.PauseProclet(target)
	require.Len(t, pending, 3)

	s.ResumeProclet(target)
}

func TestTryStealForMovesWorkFromAPeer(t *testing.T) {
	s := New(2)
	busy, idle := s.kthreads[0], s.kthreads[1]
	for i := 0; i < 10; i++ {
		busy.Enqueue(&Task{Owner: nu.ProcletID(0), Run: func(Token) {}})
	}

	stolen := 0
	for tries := 0; tries < 20 && stolen == 0; tries++ {
		stolen = s.TryStealFor(idle)
	}
	require.Greater(t, stolen, 0)
}

func TestNumKthreadsDefaultsToGOMAXPROCS(t *testing.T) {
	s := New(0)
	require.Greater(t, s.NumKthreads(), 0)
}
