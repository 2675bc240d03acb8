// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"fmt"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var _ repository.AdvisoryLocker = (*RedisLocker)(nil)

// RedisLocker is a token lock: SET NX with an expiry, released only by the
// holder of the token. It ignores the store transaction, so it serializes
// claimers across processes that share the Redis instance regardless of the
// job store in use.
type RedisLocker struct {
	cli   lockClient
	ttl   time.Duration
	retry time.Duration
}

func NewLocker(c *Client, ttl time.Duration) *RedisLocker {
	return newLocker(c.cli, ttl)
}

type lockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

func newLocker(cli lockClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{cli: cli, ttl: ttl, retry: 50 * time.Millisecond}
}

func lockKey(name string) string { return "lock:" + name }

// Acquire blocks until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, _ repository.Tx, name string) (repository.ReleaseFunc, error) {
	key := lockKey(name)
	token := uuid.NewString()

	for {
		ok, err := l.cli.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("lock %s: %w", name, err))
		}
		if ok {
			return func(ctx context.Context) error { return l.unlock(ctx, key, token) }, nil
		}

		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) unlock(ctx context.Context, key, token string) error {
	if err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Err(); err != nil {
		return domain.Transient(fmt.Errorf("unlock %s: %w", key, err))
	}
	return nil
}
