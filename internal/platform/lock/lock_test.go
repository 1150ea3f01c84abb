package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T, cfg RedisConfig) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, cfg)
}

func TestRedisLockerSerialisesHolders(t *testing.T) {
	locker := newRedisLocker(t, RedisConfig{TTL: 2 * time.Second, AcquireTimeout: 5 * time.Second, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var active, peak int32
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Do(ctx, locker, "scope:1:1", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), peak)
}

func TestRedisLockerAcquireTimeout(t *testing.T) {
	locker := newRedisLocker(t, RedisConfig{TTL: 5 * time.Second, AcquireTimeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "scope:2:3")
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = locker.Acquire(ctx, "scope:2:3")
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestDoReleasesOnError(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	err := Do(ctx, locker, "scope:9:9", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	lease, err := locker.Acquire(ctx, "scope:9:9")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestLocalLockerTimeout(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrAcquireTimeout)

	require.NoError(t, lease.Release(ctx))
	again, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	a, err := locker.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := locker.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}
