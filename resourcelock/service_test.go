package resourcelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_AllOrNothing(t *testing.T) {
	svc := New()
	entity7 := NewResourceKey("ENTITY", "7")
	entity8 := NewResourceKey("ENTITY", "8")

	lease1, err := svc.TryAcquire([]ResourceKey{entity7})
	require.NoError(t, err)
	require.NotNil(t, lease1)

	lease2, err := svc.TryAcquire([]ResourceKey{entity7, entity8})
	require.NoError(t, err)
	assert.Nil(t, lease2, "partial conflict must acquire nothing")

	snap := svc.Dump()
	_, entity8Held := snap.Held[entity8]
	assert.False(t, entity8Held, "entity8 must not have been grabbed by the failed all-or-nothing attempt")
}

func TestRelease_IsIdempotent(t *testing.T) {
	svc := New()
	key := NewResourceKey("ENTITY", "1")
	lease, err := svc.TryAcquire([]ResourceKey{key})
	require.NoError(t, err)

	svc.Release(lease)
	assert.NotPanics(t, func() { svc.Release(lease) })
}

func TestAcquire_BlocksThenGrantsAfterRelease(t *testing.T) {
	svc := New()
	key := NewResourceKey("ENTITY", "42")

	held, err := svc.TryAcquire([]ResourceKey{key})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var acquired *Lease
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		lease, err := svc.Acquire(ctx, []ResourceKey{key})
		require.NoError(t, err)
		acquired = lease
	}()

	time.Sleep(20 * time.Millisecond)
	svc.Release(held)
	wg.Wait()

	require.NotNil(t, acquired)
	assert.Equal(t, key, acquired.Keys[0])
}

func TestResourceMutualExclusion_OverlappingSetsSerialize(t *testing.T) {
	svc := New()
	key := NewResourceKey("ENTITY", "7")

	var mu sync.Mutex
	var active int
	var maxActive int
	var wg sync.WaitGroup

	run := func() {
		defer wg.Done()
		ctx := context.Background()
		lease, err := svc.Acquire(ctx, []ResourceKey{key})
		require.NoError(t, err)

		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()

		svc.Release(lease)
	}

	wg.Add(5)
	for i := 0; i < 5; i++ {
		go run()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "overlapping resource sets must never execute concurrently")
}

func TestResourceKey_WireFormRoundTrip(t *testing.T) {
	key := NewResourceKey("RECORD", "DS:1", "00k")
	parsed, err := ParseResourceKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestResourceKey_WireFormRoundTrip_LiteralPercentEncodedColon(t *testing.T) {
	key := NewResourceKey("RECORD", "DS%3A1", "plain")
	parsed, err := ParseResourceKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}
