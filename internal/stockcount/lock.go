package stockcount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/labstock/reagentd/internal/shared"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds a single system-wide count lock in Redis.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker constructs the locker. A zero ttl defaults to 30 minutes.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: shared.StockCountLockKey(), ttl: ttl}
}

// Acquire takes the lock or returns ErrRunInProgress.
func (l *RedisLocker) Acquire(ctx context.Context) (Lease, error) {
	if l == nil || l.client == nil {
		return noopLease{}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("stockcount: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	return &redisLease{locker: l, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	token  string
}

func (l *redisLease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.locker.client, []string{l.locker.key}, l.token, l.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("stockcount: extend lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("stockcount: release lock: %w", err)
	}
	return nil
}

type noopLease struct{}

func (noopLease) Extend(context.Context) error  { return nil }
func (noopLease) Release(context.Context) error { return nil }
