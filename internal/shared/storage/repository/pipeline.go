// Package repository Pipeline 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// CreatePipeline 创建流水线
func (s *Store) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	query := s.rebind(`
		INSERT INTO pipelines (id, name, task_type, statuses, transitions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.TaskType, mustJSON(p.Statuses), mustJSON(p.Transitions),
		p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("pipeline %s: %w", p.ID, storage.ErrDuplicate)
	}
	return err
}

// UpdatePipeline 整体更新流水线配置
func (s *Store) UpdatePipeline(ctx context.Context, p *model.Pipeline) error {
	query := s.rebind(`
		UPDATE pipelines SET name = $1, task_type = $2, statuses = $3, transitions = $4, updated_at = $5
		WHERE id = $6
	`)
	res, err := s.db.ExecContext(ctx, query,
		p.Name, p.TaskType, mustJSON(p.Statuses), mustJSON(p.Transitions), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// GetPipeline 获取流水线
func (s *Store) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	query := s.rebind(`SELECT id, name, task_type, statuses, transitions, created_at, updated_at
			  FROM pipelines WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	p, err := scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPipelines 列出所有流水线
func (s *Store) ListPipelines(ctx context.Context) ([]*model.Pipeline, error) {
	query := `SELECT id, name, task_type, statuses, transitions, created_at, updated_at
			  FROM pipelines ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// scanPipeline 辅助函数
func scanPipeline(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Pipeline, error) {
	p := &model.Pipeline{}
	var statuses, transitions []byte
	err := scanner.Scan(&p.ID, &p.Name, &p.TaskType, &statuses, &transitions,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(statuses, &p.Statuses); err != nil {
		return nil, fmt.Errorf("decode pipeline statuses: %w", err)
	}
	if err := json.Unmarshal(transitions, &p.Transitions); err != nil {
		return nil, fmt.Errorf("decode pipeline transitions: %w", err)
	}
	return p, nil
}
