// Package pipeline 引擎测试
//
// 用 SQLite 内存数据库跑完整引擎语义，不 mock 存储层。
package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"taskpilot/internal/shared/model"
	sqlitedriver "taskpilot/internal/shared/storage/driver/sqlite"
	"taskpilot/internal/shared/storage/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试夹具
// ============================================================================

type engineFixture struct {
	store    *repository.Store
	engine   *Engine
	notifier *recordingNotifier
	starter  *recordingStarter
}

// recordingNotifier 记录所有通知，fail=true 时返回错误
type recordingNotifier struct {
	fail  bool
	calls []string
}

func (n *recordingNotifier) Notify(ctx context.Context, task *model.Task, title, message string) error {
	if n.fail {
		return fmt.Errorf("notify channel down")
	}
	n.calls = append(n.calls, title)
	return nil
}

// recordingStarter 记录 start_agent 调用，fail=true 时返回错误
type recordingStarter struct {
	fail  bool
	calls []string
}

func (s *recordingStarter) StartAgent(ctx context.Context, taskID, mode, agentType string) error {
	if s.fail {
		return fmt.Errorf("executor unavailable")
	}
	s.calls = append(s.calls, taskID+"/"+mode)
	return nil
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	notifier := &recordingNotifier{}
	starter := &recordingStarter{}
	guards := NewGuardRegistry(store, 3)
	hooks := NewHookRegistry(store, starter, notifier)
	engine := NewEngine(store, store, store, guards, hooks)
	return &engineFixture{store: store, engine: engine, notifier: notifier, starter: starter}
}

// seedPipeline 写入流水线
func (f *engineFixture) seedPipeline(t *testing.T, p *model.Pipeline) {
	t.Helper()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	require.NoError(t, f.store.CreatePipeline(context.Background(), p))
}

// seedTask 写入任务
func (f *engineFixture) seedTask(t *testing.T, task *model.Task) *model.Task {
	t.Helper()
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

// simplePipeline open -> in_progress -> done，无守卫无钩子
func simplePipeline() *model.Pipeline {
	return &model.Pipeline{
		ID:   "pl-simple",
		Name: "simple",
		Statuses: []model.Status{
			{Name: "open", Category: model.StatusCategoryReady},
			{Name: "in_progress", Category: model.StatusCategoryReady},
			{Name: "done", Category: model.StatusCategoryTerminal, IsFinal: true},
		},
		Transitions: []model.Transition{
			{From: "open", To: "in_progress", Trigger: model.TriggerManual},
			{From: "in_progress", To: "done", Trigger: model.TriggerManual},
		},
	}
}

// ============================================================================
// 基本转换语义
// ============================================================================

func TestExecuteTransitionHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedPipeline(t, simplePipeline())
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})

	res, err := f.engine.ExecuteTransition(ctx, task, "in_progress", &Context{Actor: "alice"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "in_progress", res.Task.Status)

	// 持久化状态已更新
	got, err := f.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)

	// 恰好一条历史
	history, err := f.store.ListTransitionHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "open", history[0].FromStatus)
	assert.Equal(t, "in_progress", history[0].ToStatus)
	require.NotNil(t, history[0].Actor)
	assert.Equal(t, "alice", *history[0].Actor)
}

func TestExecuteTransitionNoEdge(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedPipeline(t, simplePipeline())
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})

	// open -> done 没有直连边
	res, err := f.engine.ExecuteTransition(ctx, task, "done", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeNoTransition, res.ErrorCode)
	assert.Contains(t, res.Message, "No transition")

	// 任务未被改动，没有历史
	got, _ := f.store.GetTask(ctx, "task-1")
	assert.Equal(t, "open", got.Status)
	history, _ := f.store.ListTransitionHistory(ctx, "task-1")
	assert.Empty(t, history)
}

func TestExecuteTransitionPipelineNotFound(t *testing.T) {
	f := newEngineFixture(t)

	task := &model.Task{ID: "task-x", PipelineID: "pl-missing", Status: "open"}
	res, err := f.engine.ExecuteTransition(context.Background(), task, "done", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodePipelineNotFound, res.ErrorCode)
}

func TestExecuteTransitionConcurrentConflict(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedPipeline(t, simplePipeline())
	f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})

	// 两个调用方持有同一快照
	snapshotA := &model.Task{ID: "task-1", PipelineID: "pl-simple", Status: "open"}
	snapshotB := &model.Task{ID: "task-1", PipelineID: "pl-simple", Status: "open"}

	resA, err := f.engine.ExecuteTransition(ctx, snapshotA, "in_progress", nil)
	require.NoError(t, err)
	require.True(t, resA.Success)

	// 后到者 CAS 未命中，拿到确定性冲突而不是双重提交
	resB, err := f.engine.ExecuteTransition(ctx, snapshotB, "in_progress", nil)
	require.NoError(t, err)
	assert.False(t, resB.Success)
	assert.Equal(t, ErrCodeConflict, resB.ErrorCode)

	history, _ := f.store.ListTransitionHistory(ctx, "task-1")
	assert.Len(t, history, 1)
}

// ============================================================================
// 守卫语义
// ============================================================================

// guardedPipeline open -> review，挂 has_pr + dependencies_resolved 两个守卫
func guardedPipeline() *model.Pipeline {
	return &model.Pipeline{
		ID:   "pl-guarded",
		Name: "guarded",
		Statuses: []model.Status{
			{Name: "open", Category: model.StatusCategoryReady},
			{Name: "review", Category: model.StatusCategoryHumanReview},
			{Name: "done", Category: model.StatusCategoryTerminal, IsFinal: true},
		},
		Transitions: []model.Transition{
			{From: "open", To: "review", Trigger: model.TriggerManual, Guards: []model.GuardRef{
				{Name: model.GuardHasPR},
				{Name: model.GuardDependenciesResolved},
			}},
		},
	}
}

func TestGuardEvaluationIsExhaustive(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedPipeline(t, guardedPipeline())
	f.seedTask(t, &model.Task{ID: "dep-1", PipelineID: "pl-guarded", Title: "dep", Status: "open"})
	task := f.seedTask(t, &model.Task{
		ID: "task-1", PipelineID: "pl-guarded", Title: "t", Status: "open",
		DependsOn: []string{"dep-1"},
	})

	// 没有 PR 且依赖未完成：两个守卫都失败，两条都要报告
	res, err := f.engine.ExecuteTransition(ctx, task, "review", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 2)
	assert.Equal(t, model.GuardHasPR, res.GuardFailures[0].Guard)
	assert.Equal(t, model.GuardDependenciesResolved, res.GuardFailures[1].Guard)
	assert.NotEmpty(t, res.GuardFailures[0].Reason)

	// 拒绝不写历史
	history, _ := f.store.ListTransitionHistory(ctx, "task-1")
	assert.Empty(t, history)

	// 但留下了拒绝事件
	events, err := f.store.ListEventsByTask(ctx, "task-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventTypeTransitionRejected, events[0].Type)
}

func TestGuardNoRunningAgentBlocks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p := simplePipeline()
	p.Transitions[0].Guards = []model.GuardRef{{Name: model.GuardNoRunningAgent}}
	f.seedPipeline(t, p)
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})

	// 激活一个阶段
	now := time.Now().UTC()
	runID := "run-1"
	require.NoError(t, f.store.StartRun(ctx,
		&model.TaskPhase{ID: "phase-1", TaskID: "task-1", Phase: "implement", Status: model.PhaseStatusActive, AgentRunID: &runID, StartedAt: &now},
		&model.AgentRun{ID: runID, TaskID: "task-1", AgentType: "claude", Mode: "implement", Status: model.RunStatusRunning, StartedAt: now}))

	res, err := f.engine.ExecuteTransition(ctx, task, "in_progress", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Equal(t, model.GuardNoRunningAgent, res.GuardFailures[0].Guard)
	assert.Contains(t, res.GuardFailures[0].Reason, "running")
}

func TestGuardMaxRetries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p := simplePipeline()
	p.Transitions[0].Guards = []model.GuardRef{
		{Name: model.GuardMaxRetries, Params: []byte(`{"max": 1}`)},
	}
	p.Transitions[0].Hooks = []model.HookRef{
		{Name: model.HookStartAgent, Params: []byte(`{"mode": "implement"}`)},
	}
	f.seedPipeline(t, p)

	// 落库一次已失败的 implement 执行
	seedFailedRun := func(taskID, runID string) {
		now := time.Now().UTC()
		require.NoError(t, f.store.StartRun(ctx,
			&model.TaskPhase{ID: runID + "-phase", TaskID: taskID, Phase: "implement", Status: model.PhaseStatusActive, AgentRunID: &runID, StartedAt: &now},
			&model.AgentRun{ID: runID, TaskID: taskID, AgentType: "claude", Mode: "implement", Status: model.RunStatusRunning, StartedAt: now}))
		require.NoError(t, f.store.FinishRun(ctx, runID, model.RunStatusFailed, nil, now))
		require.NoError(t, f.store.ReleasePhase(ctx, runID+"-phase", model.PhaseStatusFailed, now))
	}

	// 失败次数等于阈值：还允许再试一次
	task1 := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})
	seedFailedRun("task-1", "run-old-1")

	res, err := f.engine.ExecuteTransition(ctx, task1, "in_progress", nil)
	require.NoError(t, err)
	assert.True(t, res.Success, "failed count == max should still pass")

	// 失败次数超过阈值：拦截
	task2 := f.seedTask(t, &model.Task{ID: "task-2", PipelineID: "pl-simple", Title: "t", Status: "open"})
	seedFailedRun("task-2", "run-old-2")
	seedFailedRun("task-2", "run-old-3")

	res, err = f.engine.ExecuteTransition(ctx, task2, "in_progress", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.GuardFailures, 1)
	assert.Equal(t, model.GuardMaxRetries, res.GuardFailures[0].Guard)
}

// ============================================================================
// 钩子语义
// ============================================================================

func TestHooksRunAfterCommit(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p := simplePipeline()
	p.Transitions[0].Hooks = []model.HookRef{
		{Name: model.HookStartAgent, Policy: model.HookPolicyRequired, Params: []byte(`{"mode": "implement"}`)},
		{Name: model.HookNotify},
	}
	f.seedPipeline(t, p)
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})

	res, err := f.engine.ExecuteTransition(ctx, task, "in_progress", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.HookFailures)
	assert.Equal(t, []string{"task-1/implement"}, f.starter.calls)
	assert.Len(t, f.notifier.calls, 1)
}

func TestRequiredHookFailureDoesNotRollback(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p := simplePipeline()
	p.Transitions[0].Hooks = []model.HookRef{
		{Name: model.HookStartAgent, Policy: model.HookPolicyRequired},
		{Name: model.HookNotify},
	}
	f.seedPipeline(t, p)
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})
	f.starter.fail = true

	res, err := f.engine.ExecuteTransition(ctx, task, "in_progress", nil)
	require.NoError(t, err)

	// required 钩子失败：转换已提交不回滚，失败进结果，后续钩子中止
	require.True(t, res.Success)
	require.Len(t, res.HookFailures, 1)
	assert.Equal(t, model.HookStartAgent, res.HookFailures[0].Hook)
	assert.Equal(t, model.HookPolicyRequired, res.HookFailures[0].Policy)
	assert.Empty(t, f.notifier.calls)

	got, _ := f.store.GetTask(ctx, "task-1")
	assert.Equal(t, "in_progress", got.Status)
}

func TestBestEffortHookFailureContinues(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p := simplePipeline()
	p.Transitions[0].Hooks = []model.HookRef{
		{Name: model.HookNotify}, // 缺省 best_effort
		{Name: model.HookLogActivity},
	}
	f.seedPipeline(t, p)
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t", Status: "open"})
	f.notifier.fail = true

	res, err := f.engine.ExecuteTransition(ctx, task, "in_progress", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.HookFailures, 1)
	assert.Equal(t, model.HookNotify, res.HookFailures[0].Hook)

	// log_activity 仍然执行了
	events, err := f.store.ListEventsByTask(ctx, "task-1", 20)
	require.NoError(t, err)
	var sawActivity bool
	for _, ev := range events {
		if ev.Type == model.EventTypeActivity {
			sawActivity = true
		}
	}
	assert.True(t, sawActivity)
}

func TestLogNotifierSatisfiesNotifyHook(t *testing.T) {
	// 未接外部通知渠道时的缺省出口：notify 钩子不报错
	hooks := NewHookRegistry(nil, nil, NewLogNotifier())
	err := hooks.Run(context.Background(), &model.HookRef{Name: model.HookNotify}, &HookInput{
		Task:       &model.Task{ID: "task-1", PipelineID: "pl-simple", Title: "t"},
		Transition: &model.Transition{From: "open", To: "in_progress"},
	})
	assert.NoError(t, err)
}

// ============================================================================
// 候选转换试算
// ============================================================================

func TestValidTransitionsAnnotatesGuards(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedPipeline(t, guardedPipeline())
	task := f.seedTask(t, &model.Task{ID: "task-1", PipelineID: "pl-guarded", Title: "t", Status: "open"})

	options, err := f.engine.ValidTransitions(ctx, task, model.TriggerManual)
	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.False(t, options[0].Allowed)
	require.Len(t, options[0].GuardResults, 2)
	assert.False(t, options[0].GuardResults[0].Allowed)

	// 试算不改任务状态
	got, _ := f.store.GetTask(ctx, "task-1")
	assert.Equal(t, "open", got.Status)

	// 满足守卫后同一候选变为 allowed
	pr := "https://example.com/pr/1"
	require.NoError(t, f.store.UpdateTaskDeliverables(ctx, "task-1", nil, nil, &pr, nil))
	task, _ = f.store.GetTask(ctx, "task-1")
	options, err = f.engine.ValidTransitions(ctx, task, model.TriggerManual)
	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.True(t, options[0].Allowed)
}
