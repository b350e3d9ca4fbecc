package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stockledger/backend/internal/store"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointing at the same Redis.
type Redis struct {
	client   *redis.Client
	logger   *zap.Logger
	prefix   string
	ttl      time.Duration
	attempts int
	wait     time.Duration
}

func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		logger:   logger,
		prefix:   "lock:stock:",
		ttl:      5 * time.Second,
		attempts: 3,
		wait:     100 * time.Millisecond,
	}
}

func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	for attempt := 0; attempt < l.attempts; attempt++ {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			l.logger.Error("failed to acquire lock redis error", zap.String("key", lockKey), zap.Error(err))
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil {
					l.logger.Warn("failed to release lock", zap.String("key", lockKey), zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.wait):
		}
	}
	return nil, fmt.Errorf("%w: lock %s is busy", store.ErrConflict, key)
}
