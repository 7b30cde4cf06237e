// Package repository Task 和 TransitionHistory 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

const taskColumns = `id, project_id, pipeline_id, title, description, status, priority,
	tags, assignee, plan, subtasks, pr_link, branch_name, depends_on, metadata,
	created_at, updated_at`

// CreateTask 创建任务
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	query := s.rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	// project_id 为外键，空串写 NULL
	var projectID interface{}
	if t.ProjectID != "" {
		projectID = t.ProjectID
	}
	_, err := s.db.ExecContext(ctx, query,
		t.ID, projectID, t.PipelineID, t.Title, t.Description, t.Status, t.Priority,
		mustJSON(t.Tags), t.Assignee, t.Plan, mustJSON(t.Subtasks), t.PRLink, t.BranchName,
		mustJSON(t.DependsOn), rawOrNull(t.Metadata), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask 获取任务
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks 列出任务；projectID 为空时列出全部
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*model.Task, error) {
	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks ORDER BY priority ASC, created_at ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY priority ASC, created_at ASC`),
			projectID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DeleteTask 删除任务（子表级联）
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = $1`), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// UpdateTaskDeliverables 更新 Agent 产物字段，nil 字段保持不变
func (s *Store) UpdateTaskDeliverables(ctx context.Context, id string, plan *string, subtasks []model.Subtask, prLink, branchName *string) error {
	query := `UPDATE tasks SET updated_at = ` + s.dialect.CurrentTimestamp()
	var args []interface{}
	n := 1
	if plan != nil {
		query += fmt.Sprintf(", plan = $%d", n)
		args = append(args, *plan)
		n++
	}
	if subtasks != nil {
		query += fmt.Sprintf(", subtasks = $%d", n)
		args = append(args, mustJSON(subtasks))
		n++
	}
	if prLink != nil {
		query += fmt.Sprintf(", pr_link = $%d", n)
		args = append(args, *prLink)
		n++
	}
	if branchName != nil {
		query += fmt.Sprintf(", branch_name = $%d", n)
		args = append(args, *branchName)
		n++
	}
	query += fmt.Sprintf(" WHERE id = $%d", n)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ============================================================================
// 转换提交（引擎的原子提交点）
// ============================================================================

// CommitTransition 原子提交一次状态转换
//
// 同一事务内：
//  1. 按 (id, fromStatus) CAS 更新任务状态——并发转换已改变状态时
//     未命中任何行，整个事务回滚并返回 ErrConflict
//  2. 追加 TransitionHistoryEntry
//
// 由此保证"一次成功转换恰好一条历史"，且两个并发调用方不可能
// 同时从同一源状态提交。
func (s *Store) CommitTransition(ctx context.Context, taskID, fromStatus, toStatus string, entry *model.TransitionHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = $1, updated_at = `+s.dialect.CurrentTimestamp()+`
		WHERE id = $2 AND status = $3
	`), toStatus, taskID, fromStatus)
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

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO transition_history (task_id, from_status, to_status, "trigger", actor, guard_results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), entry.TaskID, entry.FromStatus, entry.ToStatus, entry.Trigger, entry.Actor,
		rawOrNull(entry.GuardResults), entry.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListTransitionHistory 列出任务的转换历史（时间升序）
func (s *Store) ListTransitionHistory(ctx context.Context, taskID string) ([]*model.TransitionHistoryEntry, error) {
	query := s.rebind(`SELECT id, task_id, from_status, to_status, "trigger", actor, guard_results, created_at
			  FROM transition_history WHERE task_id = $1 ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.TransitionHistoryEntry
	for rows.Next() {
		e := &model.TransitionHistoryEntry{}
		var guardResults *[]byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Trigger,
			&e.Actor, &guardResults, &e.CreatedAt); err != nil {
			return nil, err
		}
		if guardResults != nil {
			e.GuardResults = *guardResults
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// 扫描辅助
// ============================================================================

func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Task, error) {
	t := &model.Task{}
	var projectID, description sql.NullString
	var tags, subtasks, dependsOn []byte
	var metadata *[]byte
	err := scanner.Scan(
		&t.ID, &projectID, &t.PipelineID, &t.Title, &description, &t.Status, &t.Priority,
		&tags, &t.Assignee, &t.Plan, &subtasks, &t.PRLink, &t.BranchName,
		&dependsOn, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ProjectID = projectID.String
	t.Description = description.String
	if err := json.Unmarshal(tags, &t.Tags); err != nil {
		return nil, fmt.Errorf("decode task tags: %w", err)
	}
	if err := json.Unmarshal(subtasks, &t.Subtasks); err != nil {
		return nil, fmt.Errorf("decode task subtasks: %w", err)
	}
	if err := json.Unmarshal(dependsOn, &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode task depends_on: %w", err)
	}
	if metadata != nil {
		t.Metadata = *metadata
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
