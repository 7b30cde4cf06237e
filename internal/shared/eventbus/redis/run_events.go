// Package redis RunEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/shared/eventbus"
)

// PublishRunEvent 发布 Run 执行事件
func (s *Store) PublishRunEvent(ctx context.Context, runID string, event *eventbus.RunEvent) error {
	key := eventbus.KeyRunEvents + runID

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payloadJSON),
			"raw":       event.Raw,
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published run event: %s seq=%s type=%s", runID, id, event.Type)
	return nil
}

// GetRunEvents 获取 Run 事件列表
func (s *Store) GetRunEvents(ctx context.Context, runID string, fromID string, count int64) ([]*eventbus.RunEvent, error) {
	key := eventbus.KeyRunEvents + runID

	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, key, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}

	var events []*eventbus.RunEvent
	for i, msg := range msgs {
		events = append(events, decodeRunEvent(runID, i+1, msg))

		if count > 0 && int64(len(events)) >= count {
			break
		}
	}

	return events, nil
}

// GetRunEventCount 获取 Run 事件数量
func (s *Store) GetRunEventCount(ctx context.Context, runID string) (int64, error) {
	return s.client.XLen(ctx, eventbus.KeyRunEvents+runID).Result()
}

// SubscribeRunEvents 订阅 Run 事件（从当前位置开始，ctx 取消时关闭通道）
func (s *Store) SubscribeRunEvents(ctx context.Context, runID string) (<-chan *eventbus.RunEvent, error) {
	key := eventbus.KeyRunEvents + runID
	ch := make(chan *eventbus.RunEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				log.Printf("[Redis/EventBus] Run event subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeRunEvent(runID, 0, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteRunEvents 删除 Run 事件流
func (s *Store) DeleteRunEvents(ctx context.Context, runID string) error {
	return s.client.Del(ctx, eventbus.KeyRunEvents+runID).Err()
}

// decodeRunEvent 从 Stream 消息还原事件
func decodeRunEvent(runID string, seq int, msg redis.XMessage) *eventbus.RunEvent {
	event := &eventbus.RunEvent{
		ID:    msg.ID,
		RunID: runID,
		Seq:   seq,
	}

	if typ, ok := msg.Values["type"].(string); ok {
		event.Type = typ
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if payloadStr, ok := msg.Values["payload"].(string); ok {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err == nil {
			event.Payload = payload
		}
	}
	if raw, ok := msg.Values["raw"].(string); ok {
		event.Raw = raw
	}

	return event
}
