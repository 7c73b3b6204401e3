package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketAllowsCapacityWithoutBlocking(t *testing.T) {
	b := NewBucket(3, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBucketBlocksUntilWindowExpires(t *testing.T) {
	b := NewBucket(2, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))

	start := time.Now()
	require.NoError(t, b.Acquire(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "third acquire should wait for window")
}

func TestBucketAcquireHonorsContext(t *testing.T) {
	b := NewBucket(1, 10*time.Second)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucketConcurrentAcquires(t *testing.T) {
	const n = 10
	b := NewBucket(5, 150*time.Millisecond)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Acquire(context.Background()))
		}()
	}
	wg.Wait()

	// 10 acquisitions at 5 per 150ms needs at least one full window wait.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRegistryAcquireRelease(t *testing.T) {
	r := NewRegistry(2, map[string]Limit{
		"fragment": {Capacity: 3, Window: time.Second},
	})
	ctx := context.Background()

	rel1, err := r.Acquire(ctx, "fragment")
	require.NoError(t, err)
	rel2, err := r.Acquire(ctx, "fragment")
	require.NoError(t, err)

	// Global cap of 2 is exhausted; a third acquire must block.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(blocked, "tonnel")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rel1()
	rel2()

	rel3, err := r.Acquire(ctx, "tonnel")
	require.NoError(t, err)
	rel3()
}

func TestRegistryDefaultBucket(t *testing.T) {
	r := NewRegistry(10, nil)
	b := r.Bucket("unconfigured")
	assert.NotNil(t, b)
	assert.Same(t, b, r.Bucket("unconfigured"))
}
