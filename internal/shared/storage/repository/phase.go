// Package repository TaskPhase 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"taskpilot/internal/shared/model"
)

const phaseColumns = `id, task_id, phase, status, agent_run_id, started_at, completed_at`

// GetActivePhase 获取任务当前的活跃阶段（无则返回 nil）
func (s *Store) GetActivePhase(ctx context.Context, taskID string) (*model.TaskPhase, error) {
	query := s.rebind(`SELECT ` + phaseColumns + ` FROM task_phases
			  WHERE task_id = $1 AND status = 'active'`)
	row := s.db.QueryRowContext(ctx, query, taskID)
	p, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPhasesByTask 列出任务的所有阶段（新→旧）
func (s *Store) ListPhasesByTask(ctx context.Context, taskID string) ([]*model.TaskPhase, error) {
	query := s.rebind(`SELECT ` + phaseColumns + ` FROM task_phases
			  WHERE task_id = $1 ORDER BY started_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []*model.TaskPhase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// ReleasePhase 结束一个阶段，清除活跃标记
func (s *Store) ReleasePhase(ctx context.Context, phaseID string, status model.PhaseStatus, completedAt time.Time) error {
	query := s.rebind(`UPDATE task_phases SET status = $1, completed_at = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, status, completedAt, phaseID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func scanPhase(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.TaskPhase, error) {
	p := &model.TaskPhase{}
	err := scanner.Scan(&p.ID, &p.TaskID, &p.Phase, &p.Status, &p.AgentRunID,
		&p.StartedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
