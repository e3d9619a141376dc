package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveReleaseBudget(t *testing.T) {
	p := New(100)

	require.True(t, p.Reserve(60))
	require.Equal(t, uint64(40), p.FreeBytes())

	require.False(t, p.Reserve(50))
	require.Equal(t, uint64(40), p.FreeBytes())

	p.ReleaseBudget(60)
	require.Equal(t, uint64(100), p.FreeBytes())
}

func TestShardHintDeterministic(t *testing.T) {
	p := NewWithLocalSlots(1000, 4)
	require.Equal(t, p.ShardHint(42), p.ShardHint(42))
}

func TestAllocateReusesLocalShardAcrossCalls(t *testing.T) {
	p := NewWithLocalSlots(1<<20, 1)

	idx1, ok := p.Allocate(7, 100)
	require.True(t, ok)
	idx2, ok := p.Allocate(7, 100)
	require.True(t, ok)
	require.Equal(t, idx1, idx2, "same hint's slot should keep its cached shard across calls")
}

func TestAllocateRotatesShardOnceCurrentIsFull(t *testing.T) {
	p := NewWithLocalSlots(1<<20, 1)
	p.shardBudget = 100
	for i := range p.shards {
		p.shards[i].budget = 100
	}

	first, ok := p.Allocate(1, 100)
	require.True(t, ok)

	second, ok := p.Allocate(1, 50)
	require.True(t, ok)
	require.NotEqual(t, first, second, "exhausting the cached shard should rotate in a fresh one")
}

func TestAllocateGrowsPastFreeListWhenExhausted(t *testing.T) {
	p := NewWithLocalSlots(1<<30, shardCount)
	for i := range p.shards {
		p.shards[i].budget = 10
	}
	p.freeList = nil

	idx, ok := p.Allocate(1, 1000)
	require.True(t, ok)
	require.Equal(t, shardCount, idx, "should have appended a brand new shard past the initial set")
}

func TestAllocateFailsWhenGlobalBudgetExhausted(t *testing.T) {
	p := New(50)
	_, ok := p.Allocate(1, 100)
	require.False(t, ok)
}

func TestReleaseCreditsShardAndGlobalBudget(t *testing.T) {
	p := NewWithLocalSlots(1000, 4)
	idx, ok := p.Allocate(9, 100)
	require.True(t, ok)
	require.Equal(t, uint64(900), p.FreeBytes())

	p.Release(idx, 100)
	require.Equal(t, uint64(1000), p.FreeBytes())
}

func TestProbeShardClearsFullOnceSpaceAvailable(t *testing.T) {
	p := NewWithLocalSlots(1000, 4)
	p.shardBudget = 100
	for i := range p.shards {
		p.shards[i].budget = 100
	}

	idx, ok := p.Allocate(5, 100)
	require.True(t, ok)

	p.MarkShardFull(5)
	require.False(t, p.ProbeShard(5, 10))

	p.Release(idx, 100)
	require.True(t, p.ProbeShard(5, 10))
}

func TestRunProbeResurrectsFullShardsOnATimer(t *testing.T) {
	p := NewWithLocalSlots(1000, 1)
	p.shardBudget = 100
	for i := range p.shards {
		p.shards[i].budget = 100
	}

	idx, ok := p.Allocate(1, 100)
	require.True(t, ok)
	p.shards[idx].markFull()

	p.shardsMu.Lock()
	before := len(p.freeList)
	p.shardsMu.Unlock()

	p.Release(idx, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go p.RunProbe(ctx, 10*time.Millisecond)
	<-ctx.Done()

	p.shardsMu.Lock()
	after := len(p.freeList)
	p.shardsMu.Unlock()
	require.Greater(t, after, before, "probe should have returned the resurrected shard to the free list")
}
