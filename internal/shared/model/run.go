// Package model 定义核心数据模型
//
// run.go 包含 Agent 执行相关的数据模型定义：
//   - AgentRun：一次 Agent 执行尝试
//   - RunStatus：执行状态枚举
//   - TaskPhase：任务的当前 Agent 阶段（并发锚点）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示单次 Agent 执行（AgentRun）的状态
//
// 生命周期：created 即 running，恰好一次迁移到终态，终态不可重开
// （重试意味着新建一个 Run）：
//
//	running → completed/failed/timed_out/cancelled
type RunStatus string

const (
	// RunStatusRunning 执行中：创建即进入该状态
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted 已完成：Agent 正常返回（exit code 0）
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed 已失败：Agent 返回非零或执行抛错
	RunStatusFailed RunStatus = "failed"

	// RunStatusTimedOut 已超时：Supervisor 或启动恢复判定
	RunStatusTimedOut RunStatus = "timed_out"

	// RunStatusCancelled 已取消：用户调用 Stop
	RunStatusCancelled RunStatus = "cancelled"
)

// ============================================================================
// AgentRun - 执行实例
// ============================================================================

// AgentRun 表示任务的一次 Agent 执行尝试
//
// 字段说明：
//   - Mode：流水线阶段模式（plan/implement/review/...）
//   - Outcome：Agent 自报的结果标签，用于选取 trigger=agent 的后续转换
//   - Payload：随 Outcome 附带的结构化负载（按 outcome 模式做告警级校验）
//   - TimeoutSeconds：本次执行的超时配置，Supervisor 据此判定超时
type AgentRun struct {
	// ID 执行唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// AgentType Agent 后端类型（对核心不透明）
	AgentType string `json:"agent_type" db:"agent_type"`

	// Mode 阶段模式
	Mode string `json:"mode" db:"mode"`

	// Status 执行状态
	Status RunStatus `json:"status" db:"status"`

	// Output Agent 输出文本
	Output string `json:"output,omitempty" db:"output"`

	// Outcome 结果标签（如 pr_ready / needs_info）
	Outcome *string `json:"outcome,omitempty" db:"outcome"`

	// Payload 结果负载
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	// ExitCode 退出码
	ExitCode *int `json:"exit_code,omitempty" db:"exit_code"`

	// Error 错误信息（失败/超时时填充）
	Error *string `json:"error,omitempty" db:"error"`

	// TimeoutSeconds 超时阈值（秒）
	TimeoutSeconds int `json:"timeout_seconds" db:"timeout_seconds"`

	// StartedAt 开始时间
	StartedAt time.Time `json:"started_at" db:"started_at"`

	// CompletedAt 结束时间
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// CostInputTokens 输入 token 消耗
	CostInputTokens *int64 `json:"cost_input_tokens,omitempty" db:"cost_input_tokens"`

	// CostOutputTokens 输出 token 消耗
	CostOutputTokens *int64 `json:"cost_output_tokens,omitempty" db:"cost_output_tokens"`
}

// IsTerminal 判断 Run 是否处于终态
func (r *AgentRun) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusTimedOut, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Overdue 判断 Run 是否已超过其超时阈值
func (r *AgentRun) Overdue(now time.Time) bool {
	if r.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(r.StartedAt) > time.Duration(r.TimeoutSeconds)*time.Second
}

// ============================================================================
// TaskPhase - 任务阶段
// ============================================================================

// PhaseStatus 阶段状态
type PhaseStatus string

const (
	// PhaseStatusPending 待激活
	PhaseStatusPending PhaseStatus = "pending"

	// PhaseStatusActive 活跃：有 Agent 正在该阶段工作
	PhaseStatusActive PhaseStatus = "active"

	// PhaseStatusCompleted 已完成
	PhaseStatusCompleted PhaseStatus = "completed"

	// PhaseStatusFailed 已失败
	PhaseStatusFailed PhaseStatus = "failed"
)

// TaskPhase 任务当前所处的流水线阶段模式
//
// 不变式：同一任务至多一个 active 阶段。这是"一个任务同时只有
// 一个 Agent"的并发锚点：阶段激活与 Run 创建在同一事务内完成，
// no_running_agent 守卫读取它做前置判定。
type TaskPhase struct {
	// ID 阶段唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// Phase 阶段模式（plan/implement/review/...）
	Phase string `json:"phase" db:"phase"`

	// Status 阶段状态
	Status PhaseStatus `json:"status" db:"status"`

	// AgentRunID 当前绑定的 Run ID
	AgentRunID *string `json:"agent_run_id,omitempty" db:"agent_run_id"`

	// StartedAt 激活时间
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`

	// CompletedAt 结束时间
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
