package lock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/lock"
)

var (
	_ commission.Locker = (*lock.Local)(nil)
	_ commission.Locker = (*lock.Redis)(nil)
)

// =============================================================================
// LOCAL
// =============================================================================

func TestLocal_MutualExclusion(t *testing.T) {
	// GIVEN: 20 goroutines incrementing a counter under the same key
	// THEN: No two are ever inside the critical section at once

	l := lock.NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "tech-1|2025-03")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len(), "entries are dropped once released")
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := lock.NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Len(), "the holder still owns the key")

	unlock()
	unlock()
	assert.Equal(t, 0, l.Len(), "double unlock is harmless")
}

// =============================================================================
// REDIS
// =============================================================================

// newRedisClient connects to COMMISSION_TEST_REDIS_ADDR or skips.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("COMMISSION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COMMISSION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedis_LockAndRelease(t *testing.T) {
	client := newRedisClient(t)
	prefix := "commission:test:" + time.Now().Format("150405.000000") + ":"
	l := lock.NewRedis(client, lock.RedisOptions{Prefix: prefix, TTL: time.Second, Retry: 5 * time.Millisecond})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "settle")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "settle")
	assert.ErrorIs(t, err, lock.ErrLockTimeout)

	unlock()
	exists, err := client.Exists(ctx, prefix+"settle").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	unlock, err = l.Lock(ctx, "settle")
	require.NoError(t, err)
	unlock()
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	// GIVEN: Our lock expired and another holder took the key
	// WHEN: We release
	// THEN: The other holder's key survives

	client := newRedisClient(t)
	prefix := "commission:test:" + time.Now().Format("150405.000000") + ":"
	l := lock.NewRedis(client, lock.RedisOptions{Prefix: prefix, TTL: 20 * time.Millisecond})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, client.Set(ctx, prefix+"k", "someone-else", time.Minute).Err())

	unlock()

	val, err := client.Get(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	client.Del(ctx, prefix+"k")
}
