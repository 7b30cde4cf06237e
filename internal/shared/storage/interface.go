// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置
//   - 调用方（引擎、Agent 执行服务、HTTP 层）只依赖接口
//   - 具体实现在 repository/ 子包，驱动在 driver/ 子包
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"taskpilot/internal/shared/model"
)

// PipelineStore 流水线配置存储
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	UpdatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*model.Pipeline, error)
}

// ProjectStore 项目存储
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// TaskStore 任务存储
//
// 注意：Status 字段不提供直接更新方法，状态变更只经由
// CommitTransition（引擎的原子提交点）。
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// UpdateTaskDeliverables 更新 Agent 产物字段（plan/subtasks/pr_link/branch_name）
	// 传 nil 的字段保持不变
	UpdateTaskDeliverables(ctx context.Context, id string, plan *string, subtasks []model.Subtask, prLink, branchName *string) error

	// CommitTransition 原子提交一次状态转换：
	// 按 (id, fromStatus) 做 CAS 更新任务状态，并在同一事务内追加历史记录。
	// CAS 未命中（并发转换已改变状态）返回 ErrConflict，不留任何写入。
	CommitTransition(ctx context.Context, taskID, fromStatus, toStatus string, entry *model.TransitionHistoryEntry) error

	ListTransitionHistory(ctx context.Context, taskID string) ([]*model.TransitionHistoryEntry, error)
}

// RunStore Agent 执行存储
type RunStore interface {
	// StartRun 原子启动一次执行：在同一事务内激活任务阶段并创建 Run。
	// 活跃阶段唯一索引保证同一任务并发启动时只有一个成功，
	// 其余返回 ErrConflict。
	StartRun(ctx context.Context, phase *model.TaskPhase, run *model.AgentRun) error

	GetRun(ctx context.Context, id string) (*model.AgentRun, error)
	ListRunsByTask(ctx context.Context, taskID string) ([]*model.AgentRun, error)

	// ListRunningRuns 列出所有 running 状态的 Run（Supervisor/启动恢复消费）
	ListRunningRuns(ctx context.Context) ([]*model.AgentRun, error)

	// CountFailedRuns 统计任务在指定阶段的失败次数（max_retries 守卫消费）
	CountFailedRuns(ctx context.Context, taskID, phase string) (int, error)

	// UpdateRunResult 写入 Agent 返回的输出/结果/开销（Run 仍为 running）
	UpdateRunResult(ctx context.Context, id string, output string, outcome *string, payload []byte, exitCode *int, costIn, costOut *int64) error

	// FinishRun 将 Run 迁移到终态。只对仍处于 running 的 Run 生效，
	// 已终止的 Run 返回 ErrConflict（终态恰好一次，绝不重开）。
	FinishRun(ctx context.Context, id string, status model.RunStatus, errMsg *string, completedAt time.Time) error
}

// PhaseStore 任务阶段存储
type PhaseStore interface {
	GetActivePhase(ctx context.Context, taskID string) (*model.TaskPhase, error)
	ListPhasesByTask(ctx context.Context, taskID string) ([]*model.TaskPhase, error)

	// ReleasePhase 结束一个阶段（completed/failed），清除其活跃标记
	ReleasePhase(ctx context.Context, phaseID string, status model.PhaseStatus, completedAt time.Time) error
}

// ArtifactStore 产物存储（只追加）
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a *model.TaskArtifact) error
	ListArtifactsByTask(ctx context.Context, taskID string) ([]*model.TaskArtifact, error)
}

// PromptStore 人工输入请求存储
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *model.PendingPrompt) error
	GetPrompt(ctx context.Context, id string) (*model.PendingPrompt, error)
	ListPromptsByTask(ctx context.Context, taskID string, status model.PromptStatus) ([]*model.PendingPrompt, error)

	// AnswerPrompt 写入响应并置为 answered；仅对 pending 生效，否则 ErrConflict
	AnswerPrompt(ctx context.Context, id string, response []byte, answeredAt time.Time) error

	// ExpirePromptsByRun 将指定 Run 的所有 pending 请求置为 expired
	ExpirePromptsByRun(ctx context.Context, runID string) error
}

// EventStore 任务事件存储（只追加，观测用途）
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.TaskEvent) error
	ListEventsByTask(ctx context.Context, taskID string, limit int) ([]*model.TaskEvent, error)
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	PipelineStore
	ProjectStore
	TaskStore
	RunStore
	PhaseStore
	ArtifactStore
	PromptStore
	EventStore

	Close() error
}
