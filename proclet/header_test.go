package proclet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
)

func TestHeaderEnterLeaveDrain(t *testing.T) {
	h := NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")

	h.Enter()
	h.Enter()

	drained := make(chan struct{})
	go func() {
		h.WaitDrained()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("WaitDrained returned before all entries left")
	case <-time.After(20 * time.Millisecond):
	}

	h.Leave()
	h.Leave()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("WaitDrained did not return after drain")
	}
}

func TestHeaderAddRefCnt(t *testing.T) {
	h := NewHeader(nu.ProcletID(2), 1024, "10.0.0.1:7070")
	require.Equal(t, int64(1), h.RefCnt)

	n, destroyed := h.AddRefCnt(1)
	require.Equal(t, int64(2), n)
	require.False(t, destroyed)

	n, destroyed = h.AddRefCnt(-2)
	require.Equal(t, int64(0), n)
	require.True(t, destroyed)
}

func TestHeaderRecordCallsConcurrent(t *testing.T) {
	h := NewHeader(nu.ProcletID(3), 1024, "10.0.0.1:7070")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RecordLocalCall()
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(100), h.LocalCallCnt)
}
