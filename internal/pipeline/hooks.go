// Package pipeline 钩子注册表
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// 协作方接口
// ============================================================================

// AgentStarter start_agent 钩子的执行入口
// 由 Agent 执行服务实现，引擎通过它把状态机和编排层接起来
type AgentStarter interface {
	StartAgent(ctx context.Context, taskID, mode, agentType string) error
}

// Notifier notify 钩子的分发出口
type Notifier interface {
	Notify(ctx context.Context, task *model.Task, title, message string) error
}

// ============================================================================
// 钩子函数与注册表
// ============================================================================

// HookInput 钩子执行的输入（转换已提交）
type HookInput struct {
	Task       *model.Task
	Transition *model.Transition
	Params     json.RawMessage
	Ctx        *Context
}

// HookFunc 钩子函数，失败通过 error 报告，按声明策略处理
type HookFunc func(ctx context.Context, in *HookInput) error

// HookRegistry 钩子注册表
type HookRegistry struct {
	hooks map[model.HookKind]HookFunc
}

// NewHookRegistry 创建钩子注册表并注册内置钩子
// starter/notifier 允许为 nil（未接入时对应钩子报错，按策略处理）
func NewHookRegistry(events storage.EventStore, starter AgentStarter, notifier Notifier) *HookRegistry {
	r := &HookRegistry{hooks: make(map[model.HookKind]HookFunc)}
	r.hooks[model.HookNotify] = hookNotify(notifier)
	r.hooks[model.HookStartAgent] = hookStartAgent(starter)
	r.hooks[model.HookLogActivity] = hookLogActivity(events)
	return r
}

// SetAgentStarter 替换 start_agent 的执行入口
// 引擎和 Agent 执行服务互相依赖，装配时后注入打破环
func (r *HookRegistry) SetAgentStarter(starter AgentStarter) {
	r.hooks[model.HookStartAgent] = hookStartAgent(starter)
}

// Known 钩子名是否已注册（加载器校验用）
func (r *HookRegistry) Known(name model.HookKind) bool {
	_, ok := r.hooks[name]
	return ok
}

// Run 执行单个钩子
func (r *HookRegistry) Run(ctx context.Context, ref *model.HookRef, in *HookInput) error {
	fn, ok := r.hooks[ref.Name]
	if !ok {
		return &ConfigError{Pipeline: in.Task.PipelineID, Reason: fmt.Sprintf("unknown hook %q", ref.Name)}
	}
	in.Params = ref.Params
	return fn(ctx, in)
}

// ============================================================================
// 内置钩子
// ============================================================================

// notifyParams notify 钩子参数，支持 {task_id} {task_title} {from} {to} 占位符
type notifyParams struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func hookNotify(notifier Notifier) HookFunc {
	return func(ctx context.Context, in *HookInput) error {
		if notifier == nil {
			return fmt.Errorf("notifier not configured")
		}
		p := notifyParams{
			Title:   "Task {task_id} moved to {to}",
			Message: "{task_title}: {from} -> {to}",
		}
		if len(in.Params) > 0 {
			if err := json.Unmarshal(in.Params, &p); err != nil {
				return fmt.Errorf("invalid notify params: %w", err)
			}
		}
		return notifier.Notify(ctx, in.Task,
			interpolate(p.Title, in), interpolate(p.Message, in))
	}
}

// startAgentParams start_agent 钩子参数
type startAgentParams struct {
	Mode      string `json:"mode"`
	AgentType string `json:"agent_type"`
}

func hookStartAgent(starter AgentStarter) HookFunc {
	return func(ctx context.Context, in *HookInput) error {
		if starter == nil {
			return fmt.Errorf("agent starter not configured")
		}
		var p startAgentParams
		if len(in.Params) > 0 {
			if err := json.Unmarshal(in.Params, &p); err != nil {
				return fmt.Errorf("invalid start_agent params: %w", err)
			}
		}
		if p.Mode == "" {
			p.Mode = in.Transition.To
		}
		return starter.StartAgent(ctx, in.Task.ID, p.Mode, p.AgentType)
	}
}

func hookLogActivity(events storage.EventStore) HookFunc {
	return func(ctx context.Context, in *HookInput) error {
		if events == nil {
			return fmt.Errorf("event store not configured")
		}
		return events.CreateEvent(ctx, &model.TaskEvent{
			TaskID:   in.Task.ID,
			Type:     model.EventTypeActivity,
			Severity: model.EventSeverityInfo,
			Message: fmt.Sprintf("task moved %s -> %s by %s",
				in.Transition.From, in.Transition.To, actorOrSystem(in.Ctx)),
			CreatedAt: time.Now().UTC(),
		})
	}
}

// LogNotifier 日志通知出口，没有接入外部通知渠道时的缺省实现
type LogNotifier struct{}

// NewLogNotifier 创建日志通知出口
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

// Notify 把通知打到进程日志
func (LogNotifier) Notify(ctx context.Context, task *model.Task, title, message string) error {
	log.Printf("[pipeline] notify task=%s title=%q message=%q", task.ID, title, message)
	return nil
}

func actorOrSystem(c *Context) string {
	if c != nil && c.Actor != "" {
		return c.Actor
	}
	return "system"
}

// interpolate 简单占位符插值
func interpolate(tpl string, in *HookInput) string {
	r := strings.NewReplacer(
		"{task_id}", in.Task.ID,
		"{task_title}", in.Task.Title,
		"{from}", in.Transition.From,
		"{to}", in.Transition.To,
	)
	return r.Replace(tpl)
}

// logHookFailure 统一的钩子失败日志
func logHookFailure(ref *model.HookRef, taskID string, err error) {
	log.Printf("[pipeline] hook %s failed (policy=%s, task=%s): %v",
		ref.Name, ref.EffectivePolicy(), taskID, err)
}
