package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-graph-server/internal/interfaces"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "story_graph:materialize:"

// Удаляем ключ только если он все еще наш.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ interfaces.Locker = (*RedisLocker)(nil)

// RedisLocker реализует advisory-блокировку через SET NX PX.
type RedisLocker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLocker создает Locker поверх клиента Redis.
func NewRedisLocker(client *redis.Client, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger.Named("RedisLocker")}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (interfaces.Lock, bool, error) {
	token := uuid.NewString()
	fullKey := keyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis SETNX %s: %w", fullKey, err)
	}
	if !ok {
		l.logger.Debug("Lock is held by another owner", zap.String("key", fullKey))
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: fullKey, token: token, logger: l.logger}, true, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	logger *zap.Logger
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	if n == 0 {
		// TTL истек раньше, чем закончилась материализация
		l.logger.Warn("Lock expired before release", zap.String("key", l.key))
	}
	return nil
}
