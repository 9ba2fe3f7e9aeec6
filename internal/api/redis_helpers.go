package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// redisStore 是处理器用到的 Redis 能力子集，
// redis.UniversalClient 满足该接口。
type redisStore interface {
	redisRateCounter
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

func incrWithTTL(ctx context.Context, client redisRateCounter, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}

// fixedWindow 统计当前窗口内 key 的命中次数。
// Redis 不可用时放行。
func fixedWindow(ctx context.Context, client redisRateCounter, prefix string, window time.Duration, limit int, now time.Time) (bool, time.Duration) {
	if client == nil || limit <= 0 {
		return true, 0
	}
	start := now.Truncate(window)
	key := prefix + ":" + start.UTC().Format("20060102150405")
	count, err := incrWithTTL(ctx, client, key, window)
	if err != nil {
		return true, 0
	}
	if count > int64(limit) {
		return false, start.Add(window).Sub(now)
	}
	return true, 0
}

const revokedTokenPrefix = "auth:revoked:"

// tokenBlacklist 记录登出注销的 Token，直到其自然过期。
type tokenBlacklist struct {
	store redisStore
}

func (b tokenBlacklist) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if b.store == nil {
		return errors.New("token blacklist is not configured")
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return b.store.Set(ctx, revokedTokenPrefix+tokenID, "1", ttl).Err()
}

func (b tokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b.store == nil {
		return false
	}
	n, err := b.store.Exists(ctx, revokedTokenPrefix+tokenID).Result()
	return err == nil && n > 0
}
