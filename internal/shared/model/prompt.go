// Package model 定义核心数据模型
//
// prompt.go 包含人在环路相关的数据模型定义：
//   - PendingPrompt：Agent 暂停等待人工输入的请求
//   - PromptStatus：请求状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// PromptStatus - 请求状态
// ============================================================================

// PromptStatus 人工输入请求的状态
type PromptStatus string

const (
	// PromptStatusPending 待回答
	PromptStatusPending PromptStatus = "pending"

	// PromptStatusAnswered 已回答
	PromptStatusAnswered PromptStatus = "answered"

	// PromptStatusExpired 已过期：所属 Run 被取消或被新 Run 取代
	PromptStatusExpired PromptStatus = "expired"
)

// ============================================================================
// PendingPrompt - 待回答的人工输入请求
// ============================================================================

// PendingPrompt 表示 Agent 以 needs_info 结果暂停时发起的人工输入请求
//
// 创建：Agent 执行服务在解释 needs_info 结果时创建。
// 解决：外部响应处理方写入 Response 并置为 answered。
// 过期：Stop/Supervisor 在所属 Run 终止时置为 expired。
type PendingPrompt struct {
	// ID 请求唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// AgentRunID 发起请求的 Run ID
	AgentRunID string `json:"agent_run_id" db:"agent_run_id"`

	// PromptType 请求类型（question/choice/confirmation 等，对核心不透明）
	PromptType string `json:"prompt_type" db:"prompt_type"`

	// Payload 请求负载（问题文本、选项等）
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	// Response 人工响应
	Response json.RawMessage `json:"response,omitempty" db:"response"`

	// Status 请求状态
	Status PromptStatus `json:"status" db:"status"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// AnsweredAt 回答时间
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
}
