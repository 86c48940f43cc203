package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/campaign-payments/pkg/logger"
)

// keyPrefix — префикс ключей блокировок в Redis.
const keyPrefix = "lock:"

// releaseScript удаляет ключ, только если он принадлежит нашему токену.
// Иначе истёкшая и перехваченная блокировка была бы снята чужим владельцем.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker — распределённая блокировка на SET NX PX.
type RedisLocker struct {
	rdb  redis.UniversalClient
	opts Options
}

// NewRedisLocker создаёт RedisLocker.
func NewRedisLocker(rdb redis.UniversalClient, opts Options) *RedisLocker {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	return &RedisLocker{rdb: rdb, opts: opts}
}

// TryAcquire делает одну попытку SET NX.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Unlock, bool, error) {
	token := uuid.New().String()
	redisKey := keyPrefix + key

	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ошибка получения блокировки %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Освобождаем даже если ctx вызывающего уже отменён
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()

			if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("lock", key).Msg("Ошибка освобождения блокировки, истечёт по TTL")
			}
		})
	}, true, nil
}

// Acquire ждёт блокировку, опрашивая Redis с интервалом RetryInterval.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.MaxWait)
	defer cancel()

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-ticker.C:
		}
	}
}
