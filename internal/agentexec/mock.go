package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// MockCapability - 模拟 Agent 后端（开发/联调用）
// ============================================================================

// MockCapability 是一个模拟的 Agent 后端实现
//
// 不做任何真实工作：输出几行模拟日志后按任务元数据里的
// mock_outcome / mock_payload 返回结果，驱动完整的执行生命周期
// （工作区、阶段、产物收集、回链转换）跑通。
//
// 任务元数据示例：
//
//	{"mock_outcome": "pr_ready", "mock_payload": {"pr_title": "feat: x"}}
//
// 未指定 mock_outcome 时按 mode 推断：plan -> plan_ready，
// implement -> pr_ready，其余返回空 Outcome。
type MockCapability struct {
	// Delay 模拟执行耗时
	Delay time.Duration

	mu      sync.Mutex
	stopped map[string]bool
}

// NewMockCapability 创建模拟后端
func NewMockCapability(delay time.Duration) *MockCapability {
	return &MockCapability{Delay: delay, stopped: make(map[string]bool)}
}

// Execute 模拟一次 Agent 执行
func (m *MockCapability) Execute(ctx context.Context, ec *ExecutionContext, onOutput func(line string)) (*ExecutionResult, error) {
	emit := func(line string) {
		if onOutput != nil {
			onOutput(line)
		}
	}

	emit(fmt.Sprintf("mock agent started: task=%s mode=%s workdir=%s", ec.Task.ID, ec.Mode, ec.Workdir))

	select {
	case <-ctx.Done():
		return &ExecutionResult{ExitCode: 130, Err: ctx.Err()}, nil
	case <-time.After(m.Delay):
	}

	outcome, payload := m.resolveOutcome(ec)
	emit(fmt.Sprintf("mock agent finished: outcome=%s", outcome))

	return &ExecutionResult{
		ExitCode:         0,
		Output:           fmt.Sprintf("mock run for task %s (%s)", ec.Task.ID, ec.Mode),
		Outcome:          outcome,
		Payload:          payload,
		CostInputTokens:  100,
		CostOutputTokens: 50,
	}, nil
}

// Stop 标记执行已被取消
func (m *MockCapability) Stop(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[runID] = true
	return nil
}

// resolveOutcome 从任务元数据解析结果，缺省按 mode 推断
func (m *MockCapability) resolveOutcome(ec *ExecutionContext) (string, map[string]interface{}) {
	var meta struct {
		MockOutcome string                 `json:"mock_outcome"`
		MockPayload map[string]interface{} `json:"mock_payload"`
	}
	if len(ec.Task.Metadata) > 0 {
		json.Unmarshal(ec.Task.Metadata, &meta)
	}
	if meta.MockOutcome != "" {
		return meta.MockOutcome, meta.MockPayload
	}

	switch ec.Mode {
	case "plan":
		return OutcomePlanReady, map[string]interface{}{"plan": "1. analyze\n2. implement\n3. verify"}
	case "implement":
		return OutcomePRReady, map[string]interface{}{"pr_title": "mock: " + ec.Task.Title}
	default:
		return "", nil
	}
}
