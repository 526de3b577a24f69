package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"lab_collab/pkg/logger"
)

type RateLimitRepository interface {
	// Hit увеличивает счетчик окна и возвращает новое значение
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

type rateLimitRepository struct {
	redis  *redis.Client
	prefix string
	log    logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, prefix string, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, prefix: prefix + ":ratelimit:", log: log}
}

func (r *rateLimitRepository) Count(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		r.log.Error("Failed to check rate limit", "error", err)
		return 0, err
	}
	return count, nil
}

func (r *rateLimitRepository) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = r.prefix + key
	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// NX: окно отсчитывается от первого запроса
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err)
		return 0, err
	}
	return incr.Val(), nil
}
