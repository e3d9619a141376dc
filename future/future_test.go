package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetThenGet(t *testing.T) {
	p, f := NewPromise[int]()
	p.Set(42)

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestGetBlocksUntilSet(t *testing.T) {
	p, f := NewPromise[string]()

	done := make(chan string, 1)
	go func() {
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Get returned before Set")
	case <-time.After(20 * time.Millisecond):
	}

	p.Set("ready")
	select {
	case v := <-done:
		require.Equal(t, "ready", v)
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Set")
	}
}

func TestGetRespectsContextCancellation(t *testing.T) {
	_, f := NewPromise[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadyNonBlocking(t *testing.T) {
	p, f := NewPromise[int]()

	_, ok := f.Ready()
	require.False(t, ok)

	p.Set(7)
	v, ok := f.Ready()
	require.True(t, ok)
	require.Equal(t, 7, v)
}
