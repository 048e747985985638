package dunning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runLockKey = "dunning:run-lock"

// RedisRunLock keeps overlapping batch runs from racing each other across
// scheduler instances. It is an optimization, not a correctness requirement:
// the conditional status updates and the unique attempt index stay safe even
// when the lock store is down.
type RedisRunLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRunLock(client *redis.Client, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisRunLock{client: client, ttl: ttl}
}

func (l *RedisRunLock) TryAcquire(ctx context.Context) (bool, func(), error) {
	token := uuid.New().String()
	acquired, err := l.client.SetNX(ctx, runLockKey, token, l.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if !acquired {
		return false, nil, nil
	}

	release := func() {
		// Only delete our own lock; an expired lock may belong to a newer run.
		current, err := l.client.Get(context.Background(), runLockKey).Result()
		if err != nil || current != token {
			return
		}
		l.client.Del(context.Background(), runLockKey)
	}
	return true, release, nil
}

// NoopRunLock always grants the lock; used for single-instance deployments
// without Redis and in tests.
type NoopRunLock struct{}

func (NoopRunLock) TryAcquire(context.Context) (bool, func(), error) {
	return true, func() {}, nil
}
