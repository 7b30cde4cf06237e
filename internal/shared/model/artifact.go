// Package model 定义核心数据模型
//
// artifact.go 包含执行产物相关的数据模型定义：
//   - TaskArtifact：从一次执行中沉淀的不可变事实
//   - ArtifactType：产物类型枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ArtifactType - 产物类型
// ============================================================================

// ArtifactType 产物类型
type ArtifactType string

const (
	// ArtifactTypeBranch 工作分支（每次执行必记）
	ArtifactTypeBranch ArtifactType = "branch"

	// ArtifactTypePR Pull Request
	ArtifactTypePR ArtifactType = "pr"

	// ArtifactTypeCommit 提交
	ArtifactTypeCommit ArtifactType = "commit"

	// ArtifactTypeDiff 代码变更（大体量内容存对象存储，Data 记元数据）
	ArtifactTypeDiff ArtifactType = "diff"

	// ArtifactTypeDocument 文档（计划、报告等）
	ArtifactTypeDocument ArtifactType = "document"
)

// ============================================================================
// TaskArtifact - 执行产物
// ============================================================================

// TaskArtifact 表示一次执行沉淀的事实
//
// 只追加：绝不更新或删除（任务删除级联除外）。
// Data 是类型相关的 JSON，例如：
//   - branch: {"branch": "task/abc-123"}
//   - pr:     {"url": "...", "number": 42}
//   - diff:   {"object_key": "runs/run-xxx/changes.diff", "size": 1024}
type TaskArtifact struct {
	// ID 自增主键
	ID int64 `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// AgentRunID 产生该产物的 Run ID
	AgentRunID *string `json:"agent_run_id,omitempty" db:"agent_run_id"`

	// Type 产物类型
	Type ArtifactType `json:"type" db:"type"`

	// Data 类型相关数据
	Data json.RawMessage `json:"data" db:"data"`

	// CreatedAt 记录时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
