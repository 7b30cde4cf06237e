// Package pipeline 流水线引擎
//
// 引擎是一个带守卫和钩子的有限状态机执行器：
//   - 守卫（guard）：转换的前置断言，无副作用，全量求值
//   - 钩子（hook）：转换提交后的副作用动作，按策略容错
//
// 引擎只消费 Pipeline 配置，绝不修改它。
package pipeline

import (
	"fmt"

	"taskpilot/internal/shared/model"
)

// ============================================================================
// 转换请求上下文
// ============================================================================

// Context 一次转换请求的调用方信息
type Context struct {
	// Trigger 触发方式，缺省按 manual 处理
	Trigger model.TriggerType

	// Actor 操作者标识（人工触发时为用户名，Agent 触发时为 agent 标识）
	Actor string

	// AgentRunID 触发本次转换的 Run ID（仅 trigger=agent）
	AgentRunID string
}

// EffectiveTrigger 返回触发方式，缺省为 manual
func (c *Context) EffectiveTrigger() model.TriggerType {
	if c.Trigger == "" {
		return model.TriggerManual
	}
	return c.Trigger
}

// ============================================================================
// 转换结果
// ============================================================================

// 结果错误码
const (
	// ErrCodePipelineNotFound 任务引用的流水线不存在
	ErrCodePipelineNotFound = "pipeline_not_found"

	// ErrCodeNoTransition 当前状态没有到目标状态的转换边
	ErrCodeNoTransition = "no_transition"

	// ErrCodeConflict 并发转换竞争，任务状态已被他人改变
	ErrCodeConflict = "conflict"
)

// GuardResult 单个守卫的求值结果
type GuardResult struct {
	Guard   model.GuardKind `json:"guard"`
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason,omitempty"`
}

// HookFailure 单个钩子的失败记录
type HookFailure struct {
	Hook   model.HookKind   `json:"hook"`
	Policy model.HookPolicy `json:"policy"`
	Error  string           `json:"error"`
}

// Result 一次转换请求的结果
//
// 转换被拒绝是预期内的常见结果，用 Success 标志而不是 error 表达。
// error 只用于基础设施故障（数据库不可用等）。
type Result struct {
	// Success 转换是否提交
	Success bool `json:"success"`

	// Task 转换后的任务（成功时）
	Task *model.Task `json:"task,omitempty"`

	// ErrorCode 拒绝原因码（非守卫类拒绝）
	ErrorCode string `json:"error_code,omitempty"`

	// Message 人读拒绝描述
	Message string `json:"message,omitempty"`

	// GuardFailures 守卫拒绝明细（全量，不短路）
	GuardFailures []GuardResult `json:"guard_failures,omitempty"`

	// HookFailures 钩子失败明细（转换已提交，不回滚）
	HookFailures []HookFailure `json:"hook_failures,omitempty"`
}

// TransitionOption 带试算结果的候选转换（供 UI/CLI 展示）
type TransitionOption struct {
	// Transition 候选转换边
	Transition model.Transition `json:"transition"`

	// Allowed 当前守卫是否全部通过
	Allowed bool `json:"allowed"`

	// GuardResults 各守卫的试算结果
	GuardResults []GuardResult `json:"guard_results,omitempty"`
}

// ============================================================================
// 配置错误
// ============================================================================

// ConfigError 流水线配置错误，加载/保存时报告，绝不推迟到转换时
type ConfigError struct {
	Pipeline string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline config %q: %s", e.Pipeline, e.Reason)
}
