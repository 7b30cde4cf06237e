// Package repository PendingPrompt 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

const promptColumns = `id, task_id, agent_run_id, prompt_type, payload, response, status, created_at, answered_at`

// CreatePrompt 创建人工输入请求
func (s *Store) CreatePrompt(ctx context.Context, p *model.PendingPrompt) error {
	query := s.rebind(`
		INSERT INTO pending_prompts (` + promptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.TaskID, p.AgentRunID, p.PromptType, rawOrNull(p.Payload), rawOrNull(p.Response),
		p.Status, p.CreatedAt, p.AnsweredAt)
	return err
}

// GetPrompt 获取请求
func (s *Store) GetPrompt(ctx context.Context, id string) (*model.PendingPrompt, error) {
	query := s.rebind(`SELECT ` + promptColumns + ` FROM pending_prompts WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPromptsByTask 列出任务的请求；status 为空时不过滤
func (s *Store) ListPromptsByTask(ctx context.Context, taskID string, status model.PromptStatus) ([]*model.PendingPrompt, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			s.rebind(`SELECT `+promptColumns+` FROM pending_prompts WHERE task_id = $1 ORDER BY created_at DESC`),
			taskID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			s.rebind(`SELECT `+promptColumns+` FROM pending_prompts WHERE task_id = $1 AND status = $2 ORDER BY created_at DESC`),
			taskID, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []*model.PendingPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// AnswerPrompt 写入响应并置为 answered；仅对 pending 生效
func (s *Store) AnswerPrompt(ctx context.Context, id string, response []byte, answeredAt time.Time) error {
	query := s.rebind(`
		UPDATE pending_prompts SET response = $1, status = 'answered', answered_at = $2
		WHERE id = $3 AND status = 'pending'
	`)
	var responseArg interface{}
	if len(response) > 0 {
		responseArg = string(response)
	}
	res, err := s.db.ExecContext(ctx, query, responseArg, answeredAt, id)
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

// ExpirePromptsByRun 将指定 Run 的所有 pending 请求置为 expired
func (s *Store) ExpirePromptsByRun(ctx context.Context, runID string) error {
	query := s.rebind(`UPDATE pending_prompts SET status = 'expired' WHERE agent_run_id = $1 AND status = 'pending'`)
	_, err := s.db.ExecContext(ctx, query, runID)
	return err
}

func scanPrompt(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.PendingPrompt, error) {
	p := &model.PendingPrompt{}
	var payload, response *[]byte
	err := scanner.Scan(&p.ID, &p.TaskID, &p.AgentRunID, &p.PromptType, &payload, &response,
		&p.Status, &p.CreatedAt, &p.AnsweredAt)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		p.Payload = *payload
	}
	if response != nil {
		p.Response = *response
	}
	return p, nil
}
