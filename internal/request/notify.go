package request

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notification 经 Redis pub/sub 推送给 websocket 客户端，
// 字段名与浏览器解析的一致
type Notification struct {
	RequestID     string `json:"request_id"`
	Status        Status `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Notifier 发布状态变化
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Channel 单个请求的 pub/sub 频道
func Channel(id string) string {
	return "cv_request:" + id
}

// RedisNotifier 在 Channel(id) 上发布通知
type RedisNotifier struct {
	client redis.UniversalClient
}

func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := Channel(n.RequestID)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
