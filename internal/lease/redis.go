package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "lease:"
	pollInterval = 50 * time.Millisecond
)

// Удаляет ключ, только если аренда всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis реализует Locker поверх SET NX PX. Аренда истекает через ttl, даже если владелец не освободил её.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis создаёт распределённый блокировщик.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Lock опрашивает Redis, пока аренда не будет получена или контекст не будет отменён.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()

			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("release lease error", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
