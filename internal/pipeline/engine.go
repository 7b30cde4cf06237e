// Package pipeline 流水线引擎核心
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// Engine - 状态机执行器
// ============================================================================

// Engine 流水线引擎
//
// 执行模型（每次转换请求）：
//  1. 解析任务所属流水线
//  2. 匹配 (task.status, toStatus, trigger) 的转换边
//  3. 全量求值守卫（不短路）
//  4. 有守卫失败：不改任务、不写历史,记拒绝事件后返回失败结果
//  5. 全部通过：CAS 提交状态变更 + 追加历史（同一事务）
//  6. 按声明顺序执行钩子；钩子失败绝不回滚已提交的状态
//  7. 返回结果
//
// 提交点在第 5 步：守卫通过的瞬间状态变更即为事实，
// 之后钩子做什么都不影响它。
type Engine struct {
	pipelines storage.PipelineStore
	tasks     storage.TaskStore
	events    storage.EventStore
	guards    *GuardRegistry
	hooks     *HookRegistry
}

// NewEngine 创建流水线引擎
func NewEngine(pipelines storage.PipelineStore, tasks storage.TaskStore, events storage.EventStore,
	guards *GuardRegistry, hooks *HookRegistry) *Engine {
	return &Engine{
		pipelines: pipelines,
		tasks:     tasks,
		events:    events,
		guards:    guards,
		hooks:     hooks,
	}
}

// Guards 返回守卫注册表（加载器校验用）
func (e *Engine) Guards() *GuardRegistry { return e.guards }

// Hooks 返回钩子注册表（加载器校验用与装配期注入）
func (e *Engine) Hooks() *HookRegistry { return e.hooks }

// ============================================================================
// 候选转换试算
// ============================================================================

// ValidTransitions 列出任务当前状态的候选转换，附守卫试算结果
//
// 试算只求值守卫，不提交任何变更，供调用方展示"为什么这条转换
// 当前不可用"。trigger 为空串时不过滤触发方式。
func (e *Engine) ValidTransitions(ctx context.Context, task *model.Task, trigger model.TriggerType) ([]TransitionOption, error) {
	p, err := e.pipelines.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline %s: %w", task.PipelineID, storage.ErrNotFound)
	}

	candidates := p.TransitionsFrom(task.Status, trigger)
	options := make([]TransitionOption, 0, len(candidates))
	for i := range candidates {
		tr := &candidates[i]
		results, err := e.guards.Evaluate(ctx, task, tr)
		if err != nil {
			return nil, err
		}
		allowed := true
		for _, r := range results {
			if !r.Allowed {
				allowed = false
				break
			}
		}
		options = append(options, TransitionOption{
			Transition:   *tr,
			Allowed:      allowed,
			GuardResults: results,
		})
	}
	return options, nil
}

// ============================================================================
// 转换执行
// ============================================================================

// ExecuteTransition 执行一次状态转换
//
// 返回的 error 只表示基础设施故障；"转换被拒绝"是 Result.Success=false，
// 调用方必须检查 Success 而不是 error。
func (e *Engine) ExecuteTransition(ctx context.Context, task *model.Task, toStatus string, tctx *Context) (*Result, error) {
	if tctx == nil {
		tctx = &Context{}
	}
	trigger := tctx.EffectiveTrigger()

	// 1. 解析流水线
	p, err := e.pipelines.GetPipeline(ctx, task.PipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		transitionsTotal.WithLabelValues(resultPipelineNotFound).Inc()
		return &Result{
			Success:   false,
			ErrorCode: ErrCodePipelineNotFound,
			Message:   fmt.Sprintf("pipeline %s not found", task.PipelineID),
		}, nil
	}

	// 2. 匹配转换边
	tr := p.FindTransition(task.Status, toStatus, trigger)
	if tr == nil {
		transitionsTotal.WithLabelValues(resultNoTransition).Inc()
		return &Result{
			Success:   false,
			ErrorCode: ErrCodeNoTransition,
			Message: fmt.Sprintf("No transition from %q to %q (trigger=%s)",
				task.Status, toStatus, trigger),
		}, nil
	}

	// 3. 全量求值守卫
	results, err := e.guards.Evaluate(ctx, task, tr)
	if err != nil {
		return nil, err
	}
	var failures []GuardResult
	for _, r := range results {
		if !r.Allowed {
			failures = append(failures, r)
		}
	}

	// 4. 守卫拒绝:不改任务、不写历史，只记事件
	if len(failures) > 0 {
		transitionsTotal.WithLabelValues(resultRejected).Inc()
		for _, f := range failures {
			guardFailuresTotal.WithLabelValues(string(f.Guard)).Inc()
		}
		e.recordRejection(ctx, task, tr, tctx, failures)
		return &Result{
			Success:       false,
			Message:       "transition blocked by guards",
			GuardFailures: failures,
		}, nil
	}

	// 5. 原子提交：状态 CAS + 历史追加（同一事务）
	// 并发竞争者在这里被串行化——后到者 CAS 未命中，拿到确定性的冲突结果
	var actor *string
	if tctx.Actor != "" {
		actor = &tctx.Actor
	}
	entry := &model.TransitionHistoryEntry{
		TaskID:       task.ID,
		FromStatus:   task.Status,
		ToStatus:     toStatus,
		Trigger:      trigger,
		Actor:        actor,
		GuardResults: marshalGuardResults(results),
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.tasks.CommitTransition(ctx, task.ID, task.Status, toStatus, entry); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			transitionsTotal.WithLabelValues(resultConflict).Inc()
			return &Result{
				Success:   false,
				ErrorCode: ErrCodeConflict,
				Message:   fmt.Sprintf("task status changed concurrently, no longer %q", task.Status),
			}, nil
		}
		return nil, err
	}

	transitionsTotal.WithLabelValues(resultCommitted).Inc()
	fromStatus := task.Status
	task.Status = toStatus
	log.Printf("[pipeline] task %s: %s -> %s (trigger=%s, actor=%s)",
		task.ID, fromStatus, toStatus, trigger, actorOrSystem(tctx))
	e.recordExecuted(ctx, task, fromStatus, toStatus, tctx)

	// 6. 提交后执行钩子，失败按策略处理，绝不回滚
	hookFailures := e.runHooks(ctx, task, tr, tctx)

	// 7. 结果
	return &Result{
		Success:      true,
		Task:         task,
		HookFailures: hookFailures,
	}, nil
}

// runHooks 按声明顺序执行钩子
//
// required 失败中止后续钩子；best_effort 失败记录后继续；
// fire_and_forget 失败只留日志，不进结果。
func (e *Engine) runHooks(ctx context.Context, task *model.Task, tr *model.Transition, tctx *Context) []HookFailure {
	var failures []HookFailure
	for i := range tr.Hooks {
		ref := &tr.Hooks[i]
		in := &HookInput{Task: task, Transition: tr, Ctx: tctx}
		err := e.hooks.Run(ctx, ref, in)
		if err == nil {
			continue
		}
		logHookFailure(ref, task.ID, err)

		policy := ref.EffectivePolicy()
		hookFailuresTotal.WithLabelValues(string(ref.Name), string(policy)).Inc()
		if policy != model.HookPolicyFireAndForget {
			failures = append(failures, HookFailure{
				Hook:   ref.Name,
				Policy: policy,
				Error:  err.Error(),
			})
		}
		e.recordHookFailure(ctx, task, ref, err)

		if policy == model.HookPolicyRequired {
			break
		}
	}
	return failures
}

// ============================================================================
// 事件记录（失败只留日志，不影响转换结果）
// ============================================================================

func (e *Engine) recordExecuted(ctx context.Context, task *model.Task, from, to string, tctx *Context) {
	payload, _ := json.Marshal(map[string]string{
		"from": from, "to": to, "trigger": string(tctx.EffectiveTrigger()),
	})
	e.recordEvent(ctx, &model.TaskEvent{
		TaskID:    task.ID,
		Type:      model.EventTypeTransitionExecuted,
		Severity:  model.EventSeverityInfo,
		Message:   fmt.Sprintf("transition %s -> %s", from, to),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) recordRejection(ctx context.Context, task *model.Task, tr *model.Transition, tctx *Context, failures []GuardResult) {
	payload := marshalGuardResults(failures)
	e.recordEvent(ctx, &model.TaskEvent{
		TaskID:    task.ID,
		Type:      model.EventTypeTransitionRejected,
		Severity:  model.EventSeverityWarning,
		Message:   fmt.Sprintf("transition %s -> %s blocked by %d guard(s)", tr.From, tr.To, len(failures)),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) recordHookFailure(ctx context.Context, task *model.Task, ref *model.HookRef, hookErr error) {
	payload, _ := json.Marshal(map[string]string{
		"hook": string(ref.Name), "policy": string(ref.EffectivePolicy()), "error": hookErr.Error(),
	})
	severity := model.EventSeverityWarning
	if ref.EffectivePolicy() == model.HookPolicyRequired {
		severity = model.EventSeverityError
	}
	e.recordEvent(ctx, &model.TaskEvent{
		TaskID:    task.ID,
		Type:      model.EventTypeHookFailed,
		Severity:  severity,
		Message:   fmt.Sprintf("hook %s failed: %v", ref.Name, hookErr),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) recordEvent(ctx context.Context, ev *model.TaskEvent) {
	if err := e.events.CreateEvent(ctx, ev); err != nil {
		log.Printf("[pipeline] failed to record event %s for task %s: %v", ev.Type, ev.TaskID, err)
	}
}

func marshalGuardResults(results []GuardResult) json.RawMessage {
	b, err := json.Marshal(results)
	if err != nil {
		return nil
	}
	return b
}
