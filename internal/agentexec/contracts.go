// Package agentexec Agent 执行服务
//
// 管理 Agent 执行的完整生命周期：工作区准备、后台执行、结果
// 解释、产物收集、到流水线引擎的自动转换回链。
//
// 外部协作方（工作区、Agent 后端、SCM、通知）全部接口化，
// 核心不关心它们的具体实现。
package agentexec

import (
	"context"
	"io"

	"taskpilot/internal/shared/model"
)

// ============================================================================
// 协作方接口
// ============================================================================

// ExecutionContext Agent 执行的输入
type ExecutionContext struct {
	Task    *model.Task
	Project *model.Project
	Workdir string
	Mode    string
}

// ExecutionResult Agent 执行的输出
//
// ExitCode 为 0 表示 Agent 正常结束（Outcome 可用于回链转换），
// 非 0 或 Err 非空表示执行失败。
type ExecutionResult struct {
	ExitCode         int
	Output           string
	Outcome          string
	Payload          map[string]interface{}
	CostInputTokens  int64
	CostOutputTokens int64
	Err              error
}

// AgentCapability Agent 后端能力
//
// 核心对所有 Agent 后端一视同仁：执行、可中断、报告结果。
// onOutput 回调用于流式输出转发，可为 nil。
type AgentCapability interface {
	Execute(ctx context.Context, ec *ExecutionContext, onOutput func(line string)) (*ExecutionResult, error)
	Stop(runID string) error
}

// Workspace 一个已准备好的隔离工作区
type Workspace struct {
	// Dir 工作目录绝对路径
	Dir string

	// Branch 工作分支名
	Branch string
}

// WorkspaceProvider 工作区提供方
//
// Acquire 同时承担互斥锁语义：同一任务已有未释放的工作区时
// 必须返回错误。Release 幂等。
type WorkspaceProvider interface {
	Acquire(ctx context.Context, task *model.Task, project *model.Project) (*Workspace, error)
	Release(taskID string) error

	// Diff 返回工作区相对基线分支的改动
	Diff(ctx context.Context, taskID string) (io.Reader, int64, error)
}

// PullRequest SCM 平台创建的 PR
type PullRequest struct {
	URL    string
	Number int
}

// SCMPlatform 代码托管平台
type SCMPlatform interface {
	PushBranch(ctx context.Context, task *model.Task, branch string) error
	CreatePullRequest(ctx context.Context, task *model.Task, branch, title, body string) (*PullRequest, error)
}

// NotificationRouter 通知分发
// 同时满足流水线引擎 notify 钩子的出口需求
type NotificationRouter interface {
	Notify(ctx context.Context, task *model.Task, title, message string) error
}

// ObjectStore 大对象存放出口（diff 产物等）
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}
