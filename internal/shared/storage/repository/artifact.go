// Package repository TaskArtifact 相关的存储操作
package repository

import (
	"context"

	"taskpilot/internal/shared/model"
)

// CreateArtifact 追加一条产物记录
func (s *Store) CreateArtifact(ctx context.Context, a *model.TaskArtifact) error {
	query := s.rebind(`
		INSERT INTO task_artifacts (task_id, agent_run_id, type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query,
		a.TaskID, a.AgentRunID, a.Type, mustJSON(a.Data), a.CreatedAt)
	return err
}

// ListArtifactsByTask 列出任务的所有产物（时间升序）
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*model.TaskArtifact, error) {
	query := s.rebind(`SELECT id, task_id, agent_run_id, type, data, created_at
			  FROM task_artifacts WHERE task_id = $1 ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.TaskArtifact
	for rows.Next() {
		a := &model.TaskArtifact{}
		var data []byte
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentRunID, &a.Type, &data, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Data = data
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
