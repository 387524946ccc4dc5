package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by someone else is never released by us.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when the lock could not be acquired before ctx ended.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// Redis is a commission.Locker backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// RedisOptions configures NewRedis. Zero values pick defaults.
type RedisOptions struct {
	Prefix string        // key prefix, default "commission:lock:"
	TTL    time.Duration // lock expiry, default 10s
	Retry  time.Duration // poll interval while waiting, default 25ms
	Logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	r := &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL, retry: opts.Retry, logger: opts.Logger}
	if r.prefix == "" {
		r.prefix = "commission:lock:"
	}
	if r.ttl <= 0 {
		r.ttl = 10 * time.Second
	}
	if r.retry <= 0 {
		r.retry = 25 * time.Millisecond
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Lock polls SET NX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}

	return func() {
		// Release with a fresh context: the caller's may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
			r.logger.Warn("failed to release redis lock", "key", k, "error", err)
		}
	}, nil
}
