package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const runLockKey = "dfda:scheduler:run"

// RedisLock is a RunLock that expires on its own; it is never released early
// so a cycle runs at most once per TTL across all processes.
type RedisLock struct {
	rdb   *redis.Client
	owner string
}

func NewRedisLock(rdb *redis.Client) *RedisLock {
	owner, _ := os.Hostname()
	return &RedisLock{rdb: rdb, owner: owner}
}

func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, runLockKey, l.owner, ttl).Result()
}
