package draftstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cvchapchap/internal/storage"
)

// ErrNotFound 后端在键不存在时返回
var ErrNotFound = errors.New("draftstore: not found")

// KV 小数据后端
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// Blob 大数据后端
type Blob interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisKV 适配 go-redis 客户端
type RedisKV struct {
	client redis.UniversalClient
}

func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MinIOBlob 适配对象存储客户端
type MinIOBlob struct {
	client *storage.Client
}

func NewMinIOBlob(client *storage.Client) *MinIOBlob {
	return &MinIOBlob{client: client}
}

func (m *MinIOBlob) Put(ctx context.Context, key string, data []byte) error {
	return m.client.PutBytes(ctx, key, data, "application/json")
}

func (m *MinIOBlob) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := m.client.ReadObject(ctx, key)
	if storage.IsNoSuchKey(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (m *MinIOBlob) Delete(ctx context.Context, key string) error {
	return m.client.DeleteObject(ctx, key)
}

func (m *MinIOBlob) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// isQuotaError 匹配 Redis maxmemory 拒绝写入的错误
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "OOM") || strings.Contains(msg, "maxmemory")
}
