// Package repository TaskEvent 相关的存储操作
package repository

import (
	"context"

	"taskpilot/internal/shared/model"
)

// CreateEvent 追加一条事件
func (s *Store) CreateEvent(ctx context.Context, e *model.TaskEvent) error {
	query := s.rebind(`
		INSERT INTO task_events (task_id, agent_run_id, type, severity, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		e.TaskID, e.AgentRunID, e.Type, e.Severity, e.Message, rawOrNull(e.Payload), e.CreatedAt)
	return err
}

// ListEventsByTask 列出任务事件（新→旧）
func (s *Store) ListEventsByTask(ctx context.Context, taskID string, limit int) ([]*model.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT id, task_id, agent_run_id, type, severity, message, payload, created_at
			  FROM task_events WHERE task_id = $1 ORDER BY id DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.TaskEvent
	for rows.Next() {
		e := &model.TaskEvent{}
		var message *string
		var payload *[]byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentRunID, &e.Type, &e.Severity,
			&message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if message != nil {
			e.Message = *message
		}
		if payload != nil {
			e.Payload = *payload
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
