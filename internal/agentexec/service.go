// Package agentexec 执行服务核心
package agentexec

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/eventbus"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// Service - Agent 执行服务
// ============================================================================

// ErrAgentAlreadyRunning 任务已有活跃的 Agent 执行
var ErrAgentAlreadyRunning = errors.New("task already has a running agent")

// ErrUnknownAgentType 未注册的 Agent 后端类型
var ErrUnknownAgentType = errors.New("unknown agent type")

// Options 服务配置
type Options struct {
	// DefaultAgentType start_agent 钩子未指定时使用的后端类型
	DefaultAgentType string

	// DefaultTimeout Run 未配置超时时的缺省值
	DefaultTimeout time.Duration
}

// runningRun 进程内活跃 Run 的登记项
type runningRun struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Service Agent 执行服务
//
// Execute 的同步部分（工作区准备 + 阶段激活 + Run 创建）完成后
// 立即返回，Agent 本体在后台 goroutine 里执行，时长不设上限——
// 卡死的执行由 Supervisor 按超时收割。
//
// 进程内 running 登记表只服务于 Stop/WaitForCompletion 的快速路径，
// 事实来源始终是数据库（崩溃后由启动恢复清算）。
type Service struct {
	store     storage.PersistentStore
	engine    *pipeline.Engine
	workspace WorkspaceProvider
	scm       SCMPlatform
	notifier  NotificationRouter
	objects   ObjectStore
	bus       eventbus.EventBus
	opts      Options

	capabilities map[string]AgentCapability

	mu      sync.Mutex
	running map[string]*runningRun
}

// NewService 创建执行服务
// scm/notifier/objects 允许为 nil（对应产物步骤降级为日志）
func NewService(store storage.PersistentStore, engine *pipeline.Engine, workspace WorkspaceProvider,
	bus eventbus.EventBus, opts Options) *Service {
	if bus == nil {
		bus = eventbus.NewNoOpEventBus()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.DefaultAgentType == "" {
		opts.DefaultAgentType = "claude"
	}
	return &Service{
		store:        store,
		engine:       engine,
		workspace:    workspace,
		bus:          bus,
		opts:         opts,
		capabilities: make(map[string]AgentCapability),
		running:      make(map[string]*runningRun),
	}
}

// RegisterCapability 注册 Agent 后端
func (s *Service) RegisterCapability(agentType string, cap AgentCapability) {
	s.capabilities[agentType] = cap
}

// SetSCM 设置 SCM 平台
func (s *Service) SetSCM(scm SCMPlatform) { s.scm = scm }

// SetNotifier 设置通知分发
func (s *Service) SetNotifier(n NotificationRouter) { s.notifier = n }

// SetObjectStore 设置大对象出口
func (s *Service) SetObjectStore(o ObjectStore) { s.objects = o }

// StartAgent 实现 pipeline.AgentStarter，start_agent 钩子经此进入
func (s *Service) StartAgent(ctx context.Context, taskID, mode, agentType string) error {
	_, err := s.Execute(ctx, taskID, mode, agentType)
	return err
}

// ============================================================================
// Execute - 启动一次执行
// ============================================================================

// Execute 启动任务的一次 Agent 执行
//
// 同步完成：任务/项目解析、能力选择、工作区获取（含互斥锁）、
// 阶段激活 + Run 创建（同一事务）。返回时 Run 处于 running，
// Agent 本体在后台执行。
//
// 并发语义：同一任务的第二个 Execute 在阶段激活处拿到
// ErrAgentAlreadyRunning，工作区锁是独立的第二道闸。
func (s *Service) Execute(ctx context.Context, taskID, mode, agentType string) (*model.AgentRun, error) {
	if agentType == "" {
		agentType = s.opts.DefaultAgentType
	}
	cap, ok := s.capabilities[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}

	// 1. 解析任务
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}

	// 2. 解析项目（任务可以不挂项目）
	var project *model.Project
	if task.ProjectID != "" {
		project, err = s.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	// 3. 获取工作区（互斥锁的第二道闸）
	ws, err := s.workspace.Acquire(ctx, task, project)
	if err != nil {
		return nil, fmt.Errorf("acquire workspace: %w", err)
	}

	// 4. 阶段激活 + Run 创建（同一事务，并发启动在这里串行化）
	now := time.Now().UTC()
	run := &model.AgentRun{
		ID:             generateID("run"),
		TaskID:         task.ID,
		AgentType:      agentType,
		Mode:           mode,
		Status:         model.RunStatusRunning,
		TimeoutSeconds: int(s.opts.DefaultTimeout.Seconds()),
		StartedAt:      now,
	}
	phase := &model.TaskPhase{
		ID:         generateID("phase"),
		TaskID:     task.ID,
		Phase:      mode,
		Status:     model.PhaseStatusActive,
		AgentRunID: &run.ID,
		StartedAt:  &now,
	}
	if err := s.store.StartRun(ctx, phase, run); err != nil {
		if relErr := s.workspace.Release(task.ID); relErr != nil {
			log.Printf("[agentexec] release workspace for %s after failed start: %v", task.ID, relErr)
		}
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrAgentAlreadyRunning
		}
		return nil, err
	}

	// 5. 进程内登记，启动后台执行
	runCtx, cancel := context.WithCancel(context.Background())
	reg := &runningRun{taskID: task.ID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[run.ID] = reg
	s.mu.Unlock()

	runsStartedTotal.Inc()
	runsActive.Inc()
	s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeAgentStarted, model.EventSeverityInfo,
		fmt.Sprintf("agent %s started (mode=%s)", agentType, mode), nil)
	s.publishRunEvent(ctx, run.ID, eventbus.RunEventStarted, map[string]interface{}{
		"task_id": task.ID, "mode": mode, "agent_type": agentType,
	})
	log.Printf("[agentexec] run %s started: task=%s mode=%s agent=%s workdir=%s",
		run.ID, task.ID, mode, agentType, ws.Dir)

	go s.runAgent(runCtx, cap, run, phase, task, project, ws, reg)

	return run, nil
}

// ============================================================================
// 后台执行与完成路径
// ============================================================================

// runAgent 第 7 步：后台调用 Agent 能力并处理结果
func (s *Service) runAgent(ctx context.Context, cap AgentCapability, run *model.AgentRun,
	phase *model.TaskPhase, task *model.Task, project *model.Project, ws *Workspace, reg *runningRun) {

	defer func() {
		// 终态收尾：释放工作区、注销登记、关闭等待者
		if err := s.workspace.Release(task.ID); err != nil {
			log.Printf("[agentexec] release workspace for %s: %v", task.ID, err)
		}
		s.mu.Lock()
		delete(s.running, run.ID)
		s.mu.Unlock()
		runsActive.Dec()
		runDuration.Observe(time.Since(run.StartedAt).Seconds())
		close(reg.done)
	}()

	onOutput := func(line string) {
		s.publishRunEvent(ctx, run.ID, eventbus.RunEventOutput, map[string]interface{}{"line": line})
	}

	res, err := cap.Execute(ctx, &ExecutionContext{
		Task:    task,
		Project: project,
		Workdir: ws.Dir,
		Mode:    run.Mode,
	}, onOutput)
	if err != nil {
		res = &ExecutionResult{ExitCode: -1, Err: err}
	} else if res == nil {
		res = &ExecutionResult{ExitCode: -1, Err: fmt.Errorf("capability returned no result")}
	}

	// Stop/Supervisor 已经把 Run 收掉的情况：FinishRun 会拿到
	// ErrConflict，本路径对终态不再有话语权
	if res.Err != nil || res.ExitCode != 0 {
		s.finishFailed(run, task, res)
		return
	}
	s.finishCompleted(run, phase, task, ws, res)
}

// finishCompleted 成功路径
func (s *Service) finishCompleted(run *model.AgentRun, phase *model.TaskPhase, task *model.Task,
	ws *Workspace, res *ExecutionResult) {
	// 后台收尾不继承调用方 deadline
	ctx := context.Background()
	now := time.Now().UTC()

	// 持久化输出/结果/开销
	var outcome *string
	if res.Outcome != "" {
		outcome = &res.Outcome
	}
	payload, _ := json.Marshal(res.Payload)
	if res.Payload == nil {
		payload = nil
	}
	exitCode := res.ExitCode
	var costIn, costOut *int64
	if res.CostInputTokens > 0 {
		costIn = &res.CostInputTokens
	}
	if res.CostOutputTokens > 0 {
		costOut = &res.CostOutputTokens
	}
	if err := s.store.UpdateRunResult(ctx, run.ID, res.Output, outcome, payload, &exitCode, costIn, costOut); err != nil {
		log.Printf("[agentexec] run %s: persist result: %v", run.ID, err)
	}

	// warn-only 载荷校验
	if res.Outcome != "" {
		warnOnPayloadMismatch(run.ID, res.Outcome, res.Payload)
	}

	// 产物收集（全程 best-effort，绝不失败一次已成功的执行）
	s.collectArtifacts(ctx, run, task, ws, res)

	// 终态迁移：恰好一次。冲突说明 Stop/Supervisor 抢先收掉了，
	// 本路径到此为止
	if err := s.store.FinishRun(ctx, run.ID, model.RunStatusCompleted, nil, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Printf("[agentexec] run %s: already terminal, skipping completion path", run.ID)
			return
		}
		log.Printf("[agentexec] run %s: finish: %v", run.ID, err)
		return
	}
	if err := s.store.ReleasePhase(ctx, phase.ID, model.PhaseStatusCompleted, now); err != nil {
		log.Printf("[agentexec] run %s: release phase: %v", run.ID, err)
	}

	runsFinishedTotal.WithLabelValues(string(model.RunStatusCompleted)).Inc()
	s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeAgentCompleted, model.EventSeverityInfo,
		fmt.Sprintf("agent completed (%s)", outcomeSummary(res)), payload)
	s.publishRunEvent(ctx, run.ID, eventbus.RunEventCompleted, map[string]interface{}{
		"outcome": res.Outcome, "exit_code": res.ExitCode,
	})
	log.Printf("[agentexec] run %s completed: %s", run.ID, outcomeSummary(res))

	// needs_info：登记人工输入请求，仍按 outcome 尝试回链转换
	// （流水线可以路由到 waiting_for_input 状态）
	if res.Outcome == OutcomeNeedsInfo {
		s.createPrompt(ctx, run, task, res)
	}

	// 回链转换：outcome 命中当前状态的 trigger=agent 边则自动推进
	if res.Outcome != "" {
		s.chainTransition(ctx, run, task, res.Outcome)
	}
}

// finishFailed 失败路径：记录失败，任务留在原地等人工干预
func (s *Service) finishFailed(run *model.AgentRun, task *model.Task, res *ExecutionResult) {
	ctx := context.Background()
	now := time.Now().UTC()

	exitCode := res.ExitCode
	if err := s.store.UpdateRunResult(ctx, run.ID, res.Output, nil, nil, &exitCode, nil, nil); err != nil {
		log.Printf("[agentexec] run %s: persist failure output: %v", run.ID, err)
	}

	errMsg := outcomeSummary(res)
	if err := s.store.FinishRun(ctx, run.ID, model.RunStatusFailed, &errMsg, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Printf("[agentexec] run %s: already terminal, skipping failure path", run.ID)
			return
		}
		log.Printf("[agentexec] run %s: finish failed: %v", run.ID, err)
		return
	}
	s.releaseActivePhase(ctx, task.ID, model.PhaseStatusFailed, now)

	runsFinishedTotal.WithLabelValues(string(model.RunStatusFailed)).Inc()
	s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeAgentFailed, model.EventSeverityError,
		fmt.Sprintf("agent failed (%s)", errMsg), nil)
	s.publishRunEvent(ctx, run.ID, eventbus.RunEventFailed, map[string]interface{}{
		"error": errMsg, "exit_code": res.ExitCode,
	})
	log.Printf("[agentexec] run %s failed: %s", run.ID, errMsg)
}

// createPrompt 登记 needs_info 的人工输入请求
func (s *Service) createPrompt(ctx context.Context, run *model.AgentRun, task *model.Task, res *ExecutionResult) {
	payload, _ := json.Marshal(res.Payload)
	prompt := &model.PendingPrompt{
		ID:         generateID("prompt"),
		TaskID:     task.ID,
		AgentRunID: run.ID,
		PromptType: promptTypeForOutcome(res.Payload),
		Payload:    payload,
		Status:     model.PromptStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreatePrompt(ctx, prompt); err != nil {
		log.Printf("[agentexec] run %s: create prompt: %v", run.ID, err)
		return
	}
	s.recordEvent(ctx, task.ID, &run.ID, model.EventTypePromptCreated, model.EventSeverityInfo,
		"agent is waiting for input", payload)
	s.publishRunEvent(ctx, run.ID, eventbus.RunEventPrompt, res.Payload)
}

// chainTransition 按 outcome 回链流水线引擎
//
// 用任务的最新状态找 trigger=agent 且 agentOutcome 匹配的边；
// 没有命中不是错误——不是所有 outcome 都驱动转换。
func (s *Service) chainTransition(ctx context.Context, run *model.AgentRun, task *model.Task, outcome string) {
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil || fresh == nil {
		log.Printf("[agentexec] run %s: reload task for chaining: %v", run.ID, err)
		return
	}

	p, err := s.store.GetPipeline(ctx, fresh.PipelineID)
	if err != nil || p == nil {
		log.Printf("[agentexec] run %s: load pipeline for chaining: %v", run.ID, err)
		return
	}

	var target *model.Transition
	for _, tr := range p.TransitionsFrom(fresh.Status, model.TriggerAgent) {
		if tr.AgentOutcome == outcome {
			t := tr
			target = &t
			break
		}
	}
	if target == nil {
		log.Printf("[agentexec] run %s: outcome %q has no agent transition from %q, task stays",
			run.ID, outcome, fresh.Status)
		return
	}

	result, err := s.engine.ExecuteTransition(ctx, fresh, target.To, &pipeline.Context{
		Trigger:    model.TriggerAgent,
		Actor:      "agent:" + run.AgentType,
		AgentRunID: run.ID,
	})
	if err != nil {
		log.Printf("[agentexec] run %s: chained transition error: %v", run.ID, err)
		return
	}
	if !result.Success {
		log.Printf("[agentexec] run %s: chained transition to %q rejected: %s",
			run.ID, target.To, result.Message)
		return
	}
	log.Printf("[agentexec] run %s: task %s auto-advanced to %s (outcome=%s)",
		run.ID, fresh.ID, target.To, outcome)
}

// ============================================================================
// Stop / WaitForCompletion
// ============================================================================

// Stop 取消一次执行
//
// 先把 Run 收到 cancelled 终态（拿到终态话语权），再中断后台
// goroutine 并通知能力方，最后清理阶段、过期未答复的请求。
func (s *Service) Stop(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}

	now := time.Now().UTC()
	errMsg := "cancelled by user"
	if err := s.store.FinishRun(ctx, runID, model.RunStatusCancelled, &errMsg, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("run %s already terminal: %w", runID, storage.ErrConflict)
		}
		return err
	}

	// 中断进程内执行
	s.mu.Lock()
	reg := s.running[runID]
	s.mu.Unlock()
	if reg != nil {
		reg.cancel()
	}
	if cap, ok := s.capabilities[run.AgentType]; ok {
		if err := cap.Stop(runID); err != nil {
			log.Printf("[agentexec] run %s: capability stop: %v", runID, err)
		}
	}

	s.releaseActivePhase(ctx, run.TaskID, model.PhaseStatusFailed, now)
	if err := s.store.ExpirePromptsByRun(ctx, runID); err != nil {
		log.Printf("[agentexec] run %s: expire prompts: %v", runID, err)
	}

	runsFinishedTotal.WithLabelValues(string(model.RunStatusCancelled)).Inc()
	s.recordEvent(ctx, run.TaskID, &runID, model.EventTypeAgentCancelled, model.EventSeverityWarning,
		"agent run cancelled", nil)
	s.publishRunEvent(ctx, runID, eventbus.RunEventCancelled, nil)
	log.Printf("[agentexec] run %s cancelled", runID)
	return nil
}

// WaitForCompletion 阻塞到 Run 结束（测试与 CLI 同步场景用）
//
// 进程内有登记时等 done 通道；没有（别的进程启动的、或已结束）
// 时轮询数据库。
func (s *Service) WaitForCompletion(ctx context.Context, runID string) (*model.AgentRun, error) {
	s.mu.Lock()
	reg := s.running[runID]
	s.mu.Unlock()

	if reg != nil {
		select {
		case <-reg.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.store.GetRun(ctx, runID)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
		}
		if run.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunningCount 进程内活跃执行数（观测用）
func (s *Service) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ============================================================================
// 内部辅助
// ============================================================================

// releaseActivePhase 释放任务当前活跃阶段（没有活跃阶段时无动作）
func (s *Service) releaseActivePhase(ctx context.Context, taskID string, status model.PhaseStatus, at time.Time) {
	phase, err := s.store.GetActivePhase(ctx, taskID)
	if err != nil {
		log.Printf("[agentexec] task %s: lookup active phase: %v", taskID, err)
		return
	}
	if phase == nil {
		return
	}
	if err := s.store.ReleasePhase(ctx, phase.ID, status, at); err != nil {
		log.Printf("[agentexec] task %s: release phase %s: %v", taskID, phase.ID, err)
	}
}

func (s *Service) recordEvent(ctx context.Context, taskID string, runID *string,
	typ model.EventType, severity model.EventSeverity, message string, payload json.RawMessage) {
	err := s.store.CreateEvent(ctx, &model.TaskEvent{
		TaskID:     taskID,
		AgentRunID: runID,
		Type:       typ,
		Severity:   severity,
		Message:    message,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[agentexec] record event %s for task %s: %v", typ, taskID, err)
	}
}

func (s *Service) publishRunEvent(ctx context.Context, runID, typ string, payload map[string]interface{}) {
	err := s.bus.PublishRunEvent(ctx, runID, &eventbus.RunEvent{
		RunID:     runID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Printf("[agentexec] publish run event %s for %s: %v", typ, runID, err)
	}
}

// generateID 生成带前缀的唯一标识符（6 字节加密随机数的十六进制）
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
