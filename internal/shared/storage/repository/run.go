// Package repository AgentRun 和 TaskPhase 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

const runColumns = `id, task_id, agent_type, mode, status, output, outcome, payload,
	exit_code, error, timeout_seconds, started_at, completed_at, cost_input_tokens, cost_output_tokens`

// StartRun 原子启动一次执行
//
// 同一事务内：
//  1. 检查任务当前没有活跃阶段（有则 ErrConflict）
//  2. 插入 active 状态的 TaskPhase
//  3. 插入 running 状态的 AgentRun
//
// 活跃阶段唯一部分索引兜底并发窗口：两个事务同时通过步骤 1 时，
// 后提交者在步骤 2 命中唯一索引，同样折返 ErrConflict。
func (s *Store) StartRun(ctx context.Context, phase *model.TaskPhase, run *model.AgentRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(1) FROM task_phases WHERE task_id = $1 AND status = 'active'`),
		phase.TaskID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return storage.ErrConflict
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO task_phases (id, task_id, phase, status, agent_run_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), phase.ID, phase.TaskID, phase.Phase, phase.Status, phase.AgentRunID, phase.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`), run.ID, run.TaskID, run.AgentType, run.Mode, run.Status, run.Output, run.Outcome,
		rawOrNull(run.Payload), run.ExitCode, run.Error, run.TimeoutSeconds,
		run.StartedAt, run.CompletedAt, run.CostInputTokens, run.CostOutputTokens)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.AgentRun, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM agent_runs WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRunsByTask 列出任务的所有 Run（新→旧）
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*model.AgentRun, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM agent_runs WHERE task_id = $1 ORDER BY started_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunningRuns 列出所有 running 状态的 Run
func (s *Store) ListRunningRuns(ctx context.Context) ([]*model.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE status = 'running' ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CountFailedRuns 统计任务在指定阶段的失败次数（failed + timed_out）
func (s *Store) CountFailedRuns(ctx context.Context, taskID, phase string) (int, error) {
	query := s.rebind(`SELECT COUNT(1) FROM agent_runs
			  WHERE task_id = $1 AND mode = $2 AND status IN ('failed', 'timed_out')`)
	var count int
	err := s.db.QueryRowContext(ctx, query, taskID, phase).Scan(&count)
	return count, err
}

// UpdateRunResult 写入 Agent 返回的输出/结果/开销
func (s *Store) UpdateRunResult(ctx context.Context, id string, output string, outcome *string, payload []byte, exitCode *int, costIn, costOut *int64) error {
	query := s.rebind(`
		UPDATE agent_runs SET output = $1, outcome = $2, payload = $3, exit_code = $4,
			cost_input_tokens = $5, cost_output_tokens = $6
		WHERE id = $7
	`)
	var payloadArg interface{}
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	res, err := s.db.ExecContext(ctx, query, output, outcome, payloadArg, exitCode, costIn, costOut, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// FinishRun 将 Run 迁移到终态（running → status 恰好一次）
//
// WHERE status = 'running' 使 Stop/Supervisor/启动恢复之间的竞争
// 收敛为恰好一个赢家；输家得到 ErrConflict 并放弃。
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, errMsg *string, completedAt time.Time) error {
	query := s.rebind(`
		UPDATE agent_runs SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status = 'running'
	`)
	res, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ============================================================================
// 扫描辅助
// ============================================================================

func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.AgentRun, error) {
	run := &model.AgentRun{}
	var output sql.NullString
	var payload *[]byte
	err := scanner.Scan(
		&run.ID, &run.TaskID, &run.AgentType, &run.Mode, &run.Status, &output, &run.Outcome,
		&payload, &run.ExitCode, &run.Error, &run.TimeoutSeconds, &run.StartedAt,
		&run.CompletedAt, &run.CostInputTokens, &run.CostOutputTokens)
	if err != nil {
		return nil, err
	}
	run.Output = output.String
	if payload != nil {
		run.Payload = *payload
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*model.AgentRun, error) {
	var runs []*model.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// isUniqueViolation 判断驱动错误是否唯一约束冲突
// modernc sqlite: "UNIQUE constraint failed"; pgx: SQLSTATE 23505
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "23505")
}
