// Package pipeline 守卫注册表
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// 守卫函数与注册表
// ============================================================================

// GuardInput 守卫求值的输入
type GuardInput struct {
	Task       *model.Task
	Transition *model.Transition
	Params     json.RawMessage
}

// GuardFunc 守卫函数
//
// 只读取持久化状态，绝不写入。返回的 error 表示基础设施故障，
// "不允许"是正常返回值（allowed=false + reason）。
type GuardFunc func(ctx context.Context, in *GuardInput) (allowed bool, reason string, err error)

// GuardRegistry 守卫注册表
//
// 已知守卫在构造时注册完毕，运行期不可变。未知守卫名是配置错误，
// 由加载器在流水线入库前拦截。
type GuardRegistry struct {
	guards map[model.GuardKind]GuardFunc
}

// GuardStores 守卫依赖的只读存储
type GuardStores interface {
	storage.TaskStore
	storage.PhaseStore
	storage.RunStore
}

// NewGuardRegistry 创建守卫注册表并注册内置守卫
// defaultMaxRetries 是 max_retries 守卫未带参数时的阈值
func NewGuardRegistry(store GuardStores, defaultMaxRetries int) *GuardRegistry {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	r := &GuardRegistry{guards: make(map[model.GuardKind]GuardFunc)}
	r.guards[model.GuardHasPR] = guardHasPR
	r.guards[model.GuardDependenciesResolved] = guardDependenciesResolved(store)
	r.guards[model.GuardNoRunningAgent] = guardNoRunningAgent(store)
	r.guards[model.GuardMaxRetries] = guardMaxRetries(store, defaultMaxRetries)
	return r
}

// Known 守卫名是否已注册（加载器校验用）
func (r *GuardRegistry) Known(name model.GuardKind) bool {
	_, ok := r.guards[name]
	return ok
}

// Evaluate 按声明顺序全量求值转换上的守卫
//
// 不短路：N 个守卫失败就返回 N 条失败明细，调用方一次看到
// 全部未满足的前置条件。
func (r *GuardRegistry) Evaluate(ctx context.Context, task *model.Task, tr *model.Transition) ([]GuardResult, error) {
	results := make([]GuardResult, 0, len(tr.Guards))
	for _, ref := range tr.Guards {
		fn, ok := r.guards[ref.Name]
		if !ok {
			// 加载器已拦截未知守卫，走到这里说明配置绕过了校验
			return nil, &ConfigError{Pipeline: task.PipelineID, Reason: fmt.Sprintf("unknown guard %q", ref.Name)}
		}
		allowed, reason, err := fn(ctx, &GuardInput{Task: task, Transition: tr, Params: ref.Params})
		if err != nil {
			return nil, fmt.Errorf("guard %s: %w", ref.Name, err)
		}
		results = append(results, GuardResult{Guard: ref.Name, Allowed: allowed, Reason: reason})
	}
	return results, nil
}

// ============================================================================
// 内置守卫
// ============================================================================

// guardHasPR 任务已关联 PR 链接
func guardHasPR(ctx context.Context, in *GuardInput) (bool, string, error) {
	if in.Task.HasPR() {
		return true, "", nil
	}
	return false, "task has no pull request link", nil
}

// guardDependenciesResolved 所有依赖任务均已到达终态
func guardDependenciesResolved(store GuardStores) GuardFunc {
	return func(ctx context.Context, in *GuardInput) (bool, string, error) {
		for _, depID := range in.Task.DependsOn {
			dep, err := store.GetTask(ctx, depID)
			if err != nil {
				return false, "", err
			}
			if dep == nil {
				return false, fmt.Sprintf("dependency task %s not found", depID), nil
			}
			if dep.Status != "done" {
				return false, fmt.Sprintf("dependency task %s is %s, not done", depID, dep.Status), nil
			}
		}
		return true, "", nil
	}
}

// guardNoRunningAgent 任务当前没有活跃的 Agent 阶段
func guardNoRunningAgent(store GuardStores) GuardFunc {
	return func(ctx context.Context, in *GuardInput) (bool, string, error) {
		phase, err := store.GetActivePhase(ctx, in.Task.ID)
		if err != nil {
			return false, "", err
		}
		if phase != nil {
			return false, fmt.Sprintf("agent phase %q is running", phase.Phase), nil
		}
		return true, "", nil
	}
}

// maxRetriesParams max_retries 守卫的参数
type maxRetriesParams struct {
	Max int `json:"max"`
}

// guardMaxRetries 当前阶段失败次数未超过阈值
//
// 失败次数按本转换将启动的执行阶段统计：取 start_agent 钩子的
// mode 参数作为阶段名，没有 start_agent 钩子时用目标状态名。
// 等于阈值仍放行，超过才拦：max=1 允许在 1 次失败后再试一次。
func guardMaxRetries(store GuardStores, defaultMax int) GuardFunc {
	return func(ctx context.Context, in *GuardInput) (bool, string, error) {
		max := defaultMax
		if len(in.Params) > 0 {
			var p maxRetriesParams
			if err := json.Unmarshal(in.Params, &p); err == nil && p.Max > 0 {
				max = p.Max
			}
		}
		phase := transitionPhase(in.Transition)
		count, err := store.CountFailedRuns(ctx, in.Task.ID, phase)
		if err != nil {
			return false, "", err
		}
		if count > max {
			return false, fmt.Sprintf("phase %q failed %d times (max %d)", phase, count, max), nil
		}
		return true, "", nil
	}
}

// transitionPhase 推导转换对应的执行阶段名
func transitionPhase(tr *model.Transition) string {
	for _, h := range tr.Hooks {
		if h.Name != model.HookStartAgent {
			continue
		}
		var p struct {
			Mode string `json:"mode"`
		}
		if len(h.Params) > 0 {
			if err := json.Unmarshal(h.Params, &p); err == nil && p.Mode != "" {
				return p.Mode
			}
		}
	}
	return tr.To
}
