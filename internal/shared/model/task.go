// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：状态机作用的可变主体
//   - Subtask：子任务条目
//   - TransitionHistoryEntry：转换历史（不可变审计记录）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Subtask - 子任务
// ============================================================================

// SubtaskStatus 子任务状态
type SubtaskStatus string

const (
	SubtaskStatusOpen       SubtaskStatus = "open"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusDone       SubtaskStatus = "done"
)

// Subtask 任务计划中的一个子条目
// 由 Agent 执行服务在产物收集时写入/更新
type Subtask struct {
	// Name 子任务名称
	Name string `json:"name"`

	// Status 子任务状态
	Status SubtaskStatus `json:"status"`
}

// ============================================================================
// Task - 任务实例
// ============================================================================

// Task 表示一个任务实例（状态机的可变主体）
//
// 不变式：
//   - Status 必须是所属流水线状态集中的成员
//   - Status 只通过 Pipeline Engine 的成功转换变更，绝不直接赋值
//
// 字段归属：
//   - 引擎写入：Status
//   - Agent 执行服务写入（产物收集副作用）：Plan、Subtasks、PRLink、BranchName
//   - 任务创建逻辑写入（本核心之外）：其余字段
type Task struct {
	// === 基础字段 ===

	// ID 任务唯一标识
	ID string `json:"id" db:"id"`

	// ProjectID 所属项目 ID
	ProjectID string `json:"project_id" db:"project_id"`

	// PipelineID 所属流水线 ID
	PipelineID string `json:"pipeline_id" db:"pipeline_id"`

	// Title 任务标题
	Title string `json:"title" db:"title"`

	// Description 任务描述
	Description string `json:"description,omitempty" db:"description"`

	// Status 当前状态（所属流水线状态集的成员）
	Status string `json:"status" db:"status"`

	// Priority 优先级（数值越小越靠前）
	Priority int `json:"priority" db:"priority"`

	// Tags 标签
	Tags []string `json:"tags,omitempty" db:"tags"`

	// Assignee 指派人
	Assignee *string `json:"assignee,omitempty" db:"assignee"`

	// === Agent 产物字段 ===

	// Plan 计划文档（plan 阶段产物）
	Plan *string `json:"plan,omitempty" db:"plan"`

	// Subtasks 子任务列表
	Subtasks []Subtask `json:"subtasks,omitempty" db:"subtasks"`

	// PRLink PR 链接（pr_ready 产物收集时写入）
	PRLink *string `json:"pr_link,omitempty" db:"pr_link"`

	// BranchName 工作分支名
	BranchName *string `json:"branch_name,omitempty" db:"branch_name"`

	// === 依赖与元数据 ===

	// DependsOn 依赖的任务 ID 列表（dependencies_resolved 守卫消费）
	DependsOn []string `json:"depends_on,omitempty" db:"depends_on"`

	// Metadata 自由元数据
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`

	// === 时间戳 ===

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasPR 判断任务是否已关联 PR
func (t *Task) HasPR() bool {
	return t.PRLink != nil && *t.PRLink != ""
}

// ============================================================================
// TransitionHistoryEntry - 转换历史
// ============================================================================

// TransitionHistoryEntry 一次成功转换的审计记录
//
// 只追加，不更新：失败的转换尝试不入历史，仅作为事件记录。
// 与状态变更在同一事务内写入，保证"一次成功转换恰好一条历史"。
type TransitionHistoryEntry struct {
	// ID 自增主键
	ID int64 `json:"id" db:"id"`

	// TaskID 任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// FromStatus 源状态
	FromStatus string `json:"from_status" db:"from_status"`

	// ToStatus 目标状态
	ToStatus string `json:"to_status" db:"to_status"`

	// Trigger 触发方式
	Trigger TriggerType `json:"trigger" db:"trigger"`

	// Actor 操作者（人工触发时为用户标识，agent 触发时为 run ID）
	Actor *string `json:"actor,omitempty" db:"actor"`

	// GuardResults 守卫求值结果（JSON 数组，含通过项）
	GuardResults json.RawMessage `json:"guard_results,omitempty" db:"guard_results"`

	// CreatedAt 记录时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
