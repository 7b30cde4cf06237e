// Package repository Project 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// CreateProject 创建项目
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	query := s.rebind(`
		INSERT INTO projects (id, name, repo_url, base_branch, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.RepoURL, p.BaseBranch, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, storage.ErrDuplicate)
	}
	return err
}

// GetProject 获取项目
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	query := s.rebind(`SELECT id, name, repo_url, base_branch, created_at FROM projects WHERE id = $1`)
	p := &model.Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.RepoURL, &p.BaseBranch, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProjects 列出项目
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	query := `SELECT id, name, repo_url, base_branch, created_at FROM projects ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.BaseBranch, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
