// Package eventbus 事件总线抽象接口
//
// 提供 Agent 执行事件的发布/订阅能力，供 WebSocket 实时推送使用，
// 当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// RunEventBus Run 执行事件总线接口
type RunEventBus interface {
	PublishRunEvent(ctx context.Context, runID string, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, fromID string, count int64) ([]*RunEvent, error)
	GetRunEventCount(ctx context.Context, runID string) (int64, error)
	SubscribeRunEvents(ctx context.Context, runID string) (<-chan *RunEvent, error)
	DeleteRunEvents(ctx context.Context, runID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	RunEventBus
	Close() error
}
