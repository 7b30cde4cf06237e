// Package model 定义核心数据模型
//
// pipeline.go 包含流水线（状态机配置）相关的数据模型定义：
//   - Pipeline：流水线定义（状态集 + 转换边）
//   - Status：流水线状态节点
//   - Transition：状态转换边（带守卫和钩子声明）
//   - TriggerType：转换触发方式枚举
//   - GuardKind / HookKind：已知守卫/钩子枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// StatusCategory - 状态展示类别
// ============================================================================

// StatusCategory 状态的展示类别
//
// 类别不参与转换判定，仅用于外部消费方（看板列分组、颜色等）：
//   - ready：等待人工或系统推进
//   - agent_running：有 Agent 正在处理
//   - human_review：等待人工评审
//   - waiting_for_input：Agent 暂停等待人工补充信息
//   - terminal：终态
type StatusCategory string

const (
	StatusCategoryReady           StatusCategory = "ready"
	StatusCategoryAgentRunning    StatusCategory = "agent_running"
	StatusCategoryHumanReview     StatusCategory = "human_review"
	StatusCategoryWaitingForInput StatusCategory = "waiting_for_input"
	StatusCategoryTerminal        StatusCategory = "terminal"
)

// ============================================================================
// TriggerType - 转换触发方式
// ============================================================================

// TriggerType 定义转换由谁触发
//
// 同一条边 (from, to) 可以按触发方式声明多条转换：
//   - manual：人工操作（API 调用方默认值）
//   - agent：Agent 执行结束后按 outcome 自动触发
//   - system：系统内部触发（如定时器）
type TriggerType string

const (
	// TriggerManual 人工触发：UI/CLI 调用方默认
	TriggerManual TriggerType = "manual"

	// TriggerAgent Agent 触发：由 Agent 执行结果驱动
	TriggerAgent TriggerType = "agent"

	// TriggerSystem 系统触发：内部流程驱动
	TriggerSystem TriggerType = "system"
)

// ============================================================================
// GuardKind / HookKind - 已知守卫与钩子
// ============================================================================

// GuardKind 已知守卫枚举
//
// 守卫是无副作用的前置条件断言。取值在流水线加载时校验，
// 未知名称是配置错误（而非转换时错误）。
type GuardKind string

const (
	// GuardHasPR 任务已关联 PR 链接
	GuardHasPR GuardKind = "has_pr"

	// GuardDependenciesResolved 所有依赖任务均已到达终态
	GuardDependenciesResolved GuardKind = "dependencies_resolved"

	// GuardNoRunningAgent 任务当前没有活跃的 Agent 阶段
	GuardNoRunningAgent GuardKind = "no_running_agent"

	// GuardMaxRetries 当前阶段失败次数未超过阈值
	GuardMaxRetries GuardKind = "max_retries"
)

// HookKind 已知钩子枚举
//
// 钩子是转换提交后执行的副作用动作。
type HookKind string

const (
	// HookNotify 发送通知（模板插值后交给通知路由）
	HookNotify HookKind = "notify"

	// HookStartAgent 启动 Agent 执行（状态机到编排层的桥）
	HookStartAgent HookKind = "start_agent"

	// HookLogActivity 记录活动日志
	HookLogActivity HookKind = "log_activity"
)

// HookPolicy 钩子执行策略
//
// 策略决定钩子失败对转换结果的影响：
//   - required：失败时中止后续钩子并记入 HookFailures（已提交的状态变更不回滚）
//   - best_effort：失败仅记日志，继续后续钩子
//   - fire_and_forget：同 best_effort，且调用方不关心结果
type HookPolicy string

const (
	HookPolicyRequired      HookPolicy = "required"
	HookPolicyBestEffort    HookPolicy = "best_effort"
	HookPolicyFireAndForget HookPolicy = "fire_and_forget"
)

// ============================================================================
// Pipeline - 流水线定义
// ============================================================================

// Pipeline 表示一类任务的生命周期定义
//
// Pipeline 是纯配置：由管理接口创建/更新，引擎使用期间不可变。
// 引擎只读取它，绝不修改它。
//
// 不变式：
//   - Transitions 中所有 From/To 必须是 Statuses 中声明的状态名
//   - AgentOutcome 只在 Trigger=agent 的边上有意义
//   - 同一 (from, to, trigger) 重复声明是配置歧义，首条生效（加载时告警）
type Pipeline struct {
	// ID 流水线唯一标识
	ID string `json:"id" db:"id"`

	// Name 流水线名称
	Name string `json:"name" db:"name"`

	// TaskType 适用的任务类型
	TaskType string `json:"task_type" db:"task_type"`

	// Statuses 状态集合
	Statuses []Status `json:"statuses" db:"statuses"`

	// Transitions 转换边集合
	Transitions []Transition `json:"transitions" db:"transitions"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Status 流水线中的一个状态节点
type Status struct {
	// Name 状态名（在所属流水线内唯一）
	Name string `json:"name"`

	// Category 展示类别
	Category StatusCategory `json:"category"`

	// IsFinal 是否终态
	IsFinal bool `json:"is_final,omitempty"`
}

// Transition 一条有向转换边
type Transition struct {
	// From 源状态名
	From string `json:"from"`

	// To 目标状态名
	To string `json:"to"`

	// Trigger 触发方式，缺省按 manual 处理
	Trigger TriggerType `json:"trigger"`

	// Guards 守卫声明，按声明顺序全量求值
	Guards []GuardRef `json:"guards,omitempty"`

	// Hooks 钩子声明，转换提交后按声明顺序执行
	Hooks []HookRef `json:"hooks,omitempty"`

	// AgentOutcome Agent 结果标签（仅 Trigger=agent 有意义）
	// Agent 执行服务用它选取后续转换
	AgentOutcome string `json:"agent_outcome,omitempty"`
}

// GuardRef 转换上的守卫声明
type GuardRef struct {
	// Name 守卫名称
	Name GuardKind `json:"name"`

	// Params 守卫参数（如 max_retries 的阈值）
	Params json.RawMessage `json:"params,omitempty"`
}

// HookRef 转换上的钩子声明
type HookRef struct {
	// Name 钩子名称
	Name HookKind `json:"name"`

	// Policy 执行策略，缺省按 best_effort 处理
	Policy HookPolicy `json:"policy,omitempty"`

	// Params 钩子参数（如 notify 的标题/正文模板、start_agent 的 mode）
	Params json.RawMessage `json:"params,omitempty"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// HasStatus 判断状态名是否属于本流水线
func (p *Pipeline) HasStatus(name string) bool {
	for _, s := range p.Statuses {
		if s.Name == name {
			return true
		}
	}
	return false
}

// FindTransition 精确匹配 (from, to, trigger) 的转换边
// 重复声明时返回首条（记录在案的配置歧义）
func (p *Pipeline) FindTransition(from, to string, trigger TriggerType) *Transition {
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.From == from && t.To == to && t.EffectiveTrigger() == trigger {
			return t
		}
	}
	return nil
}

// TransitionsFrom 列出从指定状态出发的转换边
// trigger 为空串时不过滤触发方式
func (p *Pipeline) TransitionsFrom(from string, trigger TriggerType) []Transition {
	var result []Transition
	for _, t := range p.Transitions {
		if t.From != from {
			continue
		}
		if trigger != "" && t.EffectiveTrigger() != trigger {
			continue
		}
		result = append(result, t)
	}
	return result
}

// EffectiveTrigger 返回转换的触发方式，缺省为 manual
func (t *Transition) EffectiveTrigger() TriggerType {
	if t.Trigger == "" {
		return TriggerManual
	}
	return t.Trigger
}

// EffectivePolicy 返回钩子的执行策略，缺省为 best_effort
func (h *HookRef) EffectivePolicy() HookPolicy {
	if h.Policy == "" {
		return HookPolicyBestEffort
	}
	return h.Policy
}
