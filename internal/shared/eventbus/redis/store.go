// Package redis Redis Streams 事件总线实现
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/shared/eventbus"
)

// Store Redis 事件总线实例
type Store struct {
	client *redis.Client
}

// NewStoreFromURL 从 URL 创建 Redis 事件总线（如 redis://localhost:6379/0）
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreFromClient 从已有客户端创建（测试用）
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// 确保 Store 实现了 EventBus 接口
var _ eventbus.EventBus = (*Store)(nil)
