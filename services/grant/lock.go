package grant

import (
	"context"
	"time"

	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/util"
)

const lockRetryInterval = 50 * time.Millisecond

// Locker is the distributed mutex guarding the ledger's read-then-write
// window. It serializes, it does not replace idempotency.
type Locker struct {
	cache kvcache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewLocker(cache kvcache.Cache, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Locker{cache: cache, ttl: ttl, now: time.Now}
}

// TryAcquire takes the lock or fails immediately. Sweep callers use this
// and drop the occurrence on contention.
func (l *Locker) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := util.RandomToken()
	ok, err := l.cache.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Concurrency("lock held: " + key)
	}
	return l.releaser(key, token), nil
}

// Acquire takes the lock, retrying with a fixed interval until maxWait
// elapses or the context is done. Push callers use this.
func (l *Locker) Acquire(ctx context.Context, key string, maxWait time.Duration) (func(), error) {
	deadline := l.now().Add(maxWait)
	for {
		release, err := l.TryAcquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errutil.IsCode(err, errutil.StatusConcurrency) {
			return nil, err
		}
		if l.now().After(deadline) {
			return nil, errutil.Concurrency("lock wait timed out: " + key)
		}
		select {
		case <-ctx.Done():
			return nil, errutil.Timeout("lock wait cancelled", errutil.WithErr(ctx.Err()))
		case <-time.After(lockRetryInterval):
		}
	}
}

// releaser deletes the key only if we still hold it. The check is
// best-effort: an expired-and-retaken lock stays untouched unless the new
// holder picked the same token, which the random token makes unlikely.
func (l *Locker) releaser(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, err := l.cache.Get(ctx, key)
		if err != nil || v != token {
			return
		}
		_ = l.cache.Del(ctx, key)
	}
}
