package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"digital-fulfillment/internal/config"

	"github.com/redis/go-redis/v9"
)

// InitRedisClient accepts either a redis:// URL or host:port in REDIS_ADDR.
func InitRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opt, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

// RedisLocker hands out short leases so only one replica runs a periodic job.
type RedisLocker struct {
	rdb   *redis.Client
	owner string
}

func NewRedisLocker(rdb *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}
