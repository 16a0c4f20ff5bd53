package grant

import (
	"context"
	"testing"
	"time"

	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireContention(t *testing.T) {
	l := NewLocker(kvcache.NewMemory(), time.Second)
	key := rediskey.BuildGrantLockKey("u1", "c1")
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, key)
	require.True(t, errutil.IsCode(err, errutil.StatusConcurrency))

	// different pair is independent
	release2, err := l.TryAcquire(ctx, rediskey.BuildGrantLockKey("u2", "c1"))
	require.NoError(t, err)
	release2()

	release()
	release, err = l.TryAcquire(ctx, key)
	require.NoError(t, err)
	release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l := NewLocker(kvcache.NewMemory(), time.Second)
	key := rediskey.BuildGrantLockKey("u1", "c1")
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		release()
	}()

	release2, err := l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	release2()
}

func TestAcquireBoundedWait(t *testing.T) {
	l := NewLocker(kvcache.NewMemory(), time.Minute)
	key := rediskey.BuildGrantLockKey("u1", "c1")
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, key, 120*time.Millisecond)
	require.True(t, errutil.IsCode(err, errutil.StatusConcurrency))
	require.Less(t, time.Since(start), time.Second)
}
