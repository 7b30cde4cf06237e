// Package model 定义核心数据模型
//
// event.go 包含观测性数据模型定义：
//   - TaskEvent：任务事件（只追加日志，不参与控制决策）
//   - EventType / EventSeverity 枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义事件的类型
//
// 事件是观测性记录：核心只写不读，绝不依据事件做控制决策。
type EventType string

const (
	// === Agent 生命周期事件 ===

	// EventTypeAgentStarted Agent 执行开始
	EventTypeAgentStarted EventType = "agent_started"

	// EventTypeAgentCompleted Agent 执行完成（成功）
	EventTypeAgentCompleted EventType = "agent_completed"

	// EventTypeAgentFailed Agent 执行失败
	EventTypeAgentFailed EventType = "agent_failed"

	// EventTypeAgentTimedOut Agent 执行超时（Supervisor/恢复判定）
	EventTypeAgentTimedOut EventType = "agent_timed_out"

	// EventTypeAgentCancelled Agent 执行被取消
	EventTypeAgentCancelled EventType = "agent_cancelled"

	// === 转换事件 ===

	// EventTypeTransitionExecuted 转换成功执行
	EventTypeTransitionExecuted EventType = "transition_executed"

	// EventTypeTransitionRejected 转换被守卫拒绝（失败尝试不入历史，只记事件）
	EventTypeTransitionRejected EventType = "transition_rejected"

	// EventTypeHookFailed 钩子执行失败
	EventTypeHookFailed EventType = "hook_failed"

	// === 人在环路事件 ===

	// EventTypePromptCreated Agent 发起人工输入请求
	EventTypePromptCreated EventType = "prompt_created"

	// EventTypePromptAnswered 人工输入请求被回答
	EventTypePromptAnswered EventType = "prompt_answered"

	// === 产物事件 ===

	// EventTypeArtifactRecorded 产物入库
	EventTypeArtifactRecorded EventType = "artifact_recorded"

	// EventTypeActivity 活动日志（log_activity 钩子写入）
	EventTypeActivity EventType = "activity"
)

// EventSeverity 事件严重级别
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// ============================================================================
// TaskEvent - 任务事件
// ============================================================================

// TaskEvent 任务维度的观测事件
type TaskEvent struct {
	// ID 自增主键
	ID int64 `json:"id" db:"id"`

	// TaskID 任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// AgentRunID 关联的 Run ID（可空）
	AgentRunID *string `json:"agent_run_id,omitempty" db:"agent_run_id"`

	// Type 事件类型
	Type EventType `json:"type" db:"type"`

	// Severity 严重级别
	Severity EventSeverity `json:"severity" db:"severity"`

	// Message 人类可读描述
	Message string `json:"message,omitempty" db:"message"`

	// Payload 结构化负载
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	// CreatedAt 记录时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
