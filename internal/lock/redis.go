package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker is a Locker shared by resolver processes through Redis. Locks
// expire after ttl so a crashed worker cannot wedge an entity.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a RedisLocker. wait bounds how long Lock retries
// before giving up with ErrLockNotAcquired.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "resolver:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, wait: wait}
}

// Lock takes key with SET NX, retrying with capped backoff.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "lock: redis setnx %s", full)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, eris.Wrapf(ErrLockNotAcquired, "lock: %s held elsewhere", full)
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrLockNotAcquired, "lock: %s: %v", full, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 500*time.Millisecond)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release anyway.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.rdb, []string{full}, token).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				zap.L().Warn("lock: redis release failed", zap.String("key", full), zap.Error(err))
				return
			}
			if n == 0 {
				zap.L().Warn("lock: expired before release", zap.String("key", full))
			}
		})
	}, nil
}
