// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"testing"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
	sqlitedriver "taskpilot/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedPipeline 写入一条最小流水线
func seedPipeline(t *testing.T, s *Store, id string) *model.Pipeline {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	p := &model.Pipeline{
		ID:       id,
		Name:     "dev pipeline",
		TaskType: "development",
		Statuses: []model.Status{
			{Name: "open", Category: model.StatusCategoryReady},
			{Name: "in_progress", Category: model.StatusCategoryAgentRunning},
			{Name: "done", Category: model.StatusCategoryTerminal, IsFinal: true},
		},
		Transitions: []model.Transition{
			{From: "open", To: "in_progress", Trigger: model.TriggerManual},
			{From: "in_progress", To: "done", Trigger: model.TriggerManual},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreatePipeline(context.Background(), p))
	return p
}

// seedTask 写入一条任务
func seedTask(t *testing.T, s *Store, id, pipelineID, status string) *model.Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	task := &model.Task{
		ID:         id,
		PipelineID: pipelineID,
		Title:      "test task",
		Status:     status,
		Tags:       []string{"backend"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

// ============================================================================
// Pipeline 测试
// ============================================================================

func TestPipelineRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedPipeline(t, s, "pl-1")

	got, err := s.GetPipeline(ctx, "pl-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Name, got.Name)
	assert.Len(t, got.Statuses, 3)
	assert.Len(t, got.Transitions, 2)

	// 不存在返回 nil, nil
	missing, err := s.GetPipeline(ctx, "pl-x")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.Name = "renamed"
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdatePipeline(ctx, got))

	all, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].Name)
}

// ============================================================================
// Task 测试
// ============================================================================

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "open", got.Status)
	assert.Equal(t, []string{"backend"}, got.Tags)
	assert.Nil(t, got.PRLink)

	tasks, err := s.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestUpdateTaskDeliverables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	plan := "1. do the thing"
	pr := "https://example.com/pr/7"
	branch := "task/task-1"
	subtasks := []model.Subtask{{Name: "step 1", Status: model.SubtaskStatusOpen}}
	require.NoError(t, s.UpdateTaskDeliverables(ctx, "task-1", &plan, subtasks, &pr, &branch))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, plan, *got.Plan)
	require.NotNil(t, got.PRLink)
	assert.Equal(t, pr, *got.PRLink)
	assert.Len(t, got.Subtasks, 1)

	// nil 字段保持不变
	newBranch := "task/task-1-v2"
	require.NoError(t, s.UpdateTaskDeliverables(ctx, "task-1", nil, nil, nil, &newBranch))
	got, err = s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, plan, *got.Plan)
	assert.Equal(t, newBranch, *got.BranchName)
}

func TestCommitTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	entry := &model.TransitionHistoryEntry{
		TaskID:     "task-1",
		FromStatus: "open",
		ToStatus:   "in_progress",
		Trigger:    model.TriggerManual,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CommitTransition(ctx, "task-1", "open", "in_progress", entry))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)

	history, err := s.ListTransitionHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "open", history[0].FromStatus)
	assert.Equal(t, "in_progress", history[0].ToStatus)
}

func TestCommitTransitionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	entry := &model.TransitionHistoryEntry{
		TaskID: "task-1", FromStatus: "in_progress", ToStatus: "done",
		Trigger: model.TriggerManual, CreatedAt: time.Now().UTC(),
	}
	// CAS 源状态不匹配：回滚且不留历史
	err := s.CommitTransition(ctx, "task-1", "in_progress", "done", entry)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)

	history, err := s.ListTransitionHistory(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// ============================================================================
// Run / Phase 测试
// ============================================================================

func startTestRun(t *testing.T, s *Store, taskID, runID string) *model.AgentRun {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	run := &model.AgentRun{
		ID: runID, TaskID: taskID, AgentType: "claude", Mode: "implement",
		Status: model.RunStatusRunning, TimeoutSeconds: 3600, StartedAt: now,
	}
	phase := &model.TaskPhase{
		ID: "phase-" + runID, TaskID: taskID, Phase: "implement",
		Status: model.PhaseStatusActive, AgentRunID: &run.ID, StartedAt: &now,
	}
	require.NoError(t, s.StartRun(context.Background(), phase, run))
	return run
}

func TestStartRunActivatesPhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")
	startTestRun(t, s, "task-1", "run-1")

	phase, err := s.GetActivePhase(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, phase)
	assert.Equal(t, "implement", phase.Phase)
	require.NotNil(t, phase.AgentRunID)
	assert.Equal(t, "run-1", *phase.AgentRunID)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusRunning, run.Status)
}

func TestStartRunConflictOnActivePhase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")
	startTestRun(t, s, "task-1", "run-1")

	now := time.Now().UTC()
	run2 := &model.AgentRun{
		ID: "run-2", TaskID: "task-1", AgentType: "claude", Mode: "implement",
		Status: model.RunStatusRunning, StartedAt: now,
	}
	phase2 := &model.TaskPhase{
		ID: "phase-run-2", TaskID: "task-1", Phase: "implement",
		Status: model.PhaseStatusActive, AgentRunID: &run2.ID, StartedAt: &now,
	}
	err := s.StartRun(ctx, phase2, run2)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// 事务回滚：第二个 Run 不存在
	got, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinishRunExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")
	startTestRun(t, s, "task-1", "run-1")

	now := time.Now().UTC()
	require.NoError(t, s.FinishRun(ctx, "run-1", model.RunStatusCompleted, nil, now))

	// 已到终态的 Run 再次终止返回冲突
	errMsg := "late timeout"
	err := s.FinishRun(ctx, "run-1", model.RunStatusTimedOut, &errMsg, now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestCountFailedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	now := time.Now().UTC()
	run := startTestRun(t, s, "task-1", "run-1")
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusFailed, nil, now))
	phase, err := s.GetActivePhase(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, s.ReleasePhase(ctx, phase.ID, model.PhaseStatusFailed, now))

	run2 := startTestRun(t, s, "task-1", "run-2")
	require.NoError(t, s.FinishRun(ctx, run2.ID, model.RunStatusTimedOut, nil, now))

	count, err := s.CountFailedRuns(ctx, "task-1", "implement")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountFailedRuns(ctx, "task-1", "plan")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpdateRunResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")
	startTestRun(t, s, "task-1", "run-1")

	outcome := "pr_ready"
	exitCode := 0
	costIn := int64(1200)
	costOut := int64(450)
	require.NoError(t, s.UpdateRunResult(ctx, "run-1", "all done",
		&outcome, []byte(`{"pr_title":"fix"}`), &exitCode, &costIn, &costOut))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "all done", run.Output)
	require.NotNil(t, run.Outcome)
	assert.Equal(t, "pr_ready", *run.Outcome)
	assert.JSONEq(t, `{"pr_title":"fix"}`, string(run.Payload))
	assert.Equal(t, int64(1200), *run.CostInputTokens)
}

// ============================================================================
// Artifact / Prompt / Event 测试
// ============================================================================

func TestArtifactAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	runID := "run-1"
	a := &model.TaskArtifact{
		TaskID: "task-1", AgentRunID: &runID, Type: model.ArtifactTypeBranch,
		Data: []byte(`{"branch":"task/task-1"}`), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateArtifact(ctx, a))

	artifacts, err := s.ListArtifactsByTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, model.ArtifactTypeBranch, artifacts[0].Type)
	assert.JSONEq(t, `{"branch":"task/task-1"}`, string(artifacts[0].Data))
}

func TestPromptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	p := &model.PendingPrompt{
		ID: "prompt-1", TaskID: "task-1", AgentRunID: "run-1",
		PromptType: "question", Payload: []byte(`{"question":"which db?"}`),
		Status: model.PromptStatusPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreatePrompt(ctx, p))

	pending, err := s.ListPromptsByTask(ctx, "task-1", model.PromptStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.AnswerPrompt(ctx, "prompt-1", []byte(`{"answer":"sqlite"}`), time.Now().UTC()))

	got, err := s.GetPrompt(ctx, "prompt-1")
	require.NoError(t, err)
	assert.Equal(t, model.PromptStatusAnswered, got.Status)
	assert.JSONEq(t, `{"answer":"sqlite"}`, string(got.Response))

	// 已回答的请求不能重复回答
	err = s.AnswerPrompt(ctx, "prompt-1", []byte(`{}`), time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestExpirePromptsByRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	for _, id := range []string{"prompt-1", "prompt-2"} {
		require.NoError(t, s.CreatePrompt(ctx, &model.PendingPrompt{
			ID: id, TaskID: "task-1", AgentRunID: "run-1", PromptType: "question",
			Status: model.PromptStatusPending, CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, s.ExpirePromptsByRun(ctx, "run-1"))

	pending, err := s.ListPromptsByTask(ctx, "task-1", model.PromptStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	expired, err := s.ListPromptsByTask(ctx, "task-1", model.PromptStatusExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestEventAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")

	require.NoError(t, s.CreateEvent(ctx, &model.TaskEvent{
		TaskID: "task-1", Type: model.EventTypeAgentStarted,
		Severity: model.EventSeverityInfo, Message: "agent started",
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.CreateEvent(ctx, &model.TaskEvent{
		TaskID: "task-1", Type: model.EventTypeAgentFailed,
		Severity: model.EventSeverityError, Message: "boom",
		CreatedAt: time.Now().UTC(),
	}))

	events, err := s.ListEventsByTask(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// 新→旧
	assert.Equal(t, model.EventTypeAgentFailed, events[0].Type)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPipeline(t, s, "pl-1")
	seedTask(t, s, "task-1", "pl-1", "open")
	startTestRun(t, s, "task-1", "run-1")
	require.NoError(t, s.CreateArtifact(ctx, &model.TaskArtifact{
		TaskID: "task-1", Type: model.ArtifactTypeBranch,
		Data: []byte(`{"branch":"b"}`), CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteTask(ctx, "task-1"))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, run)

	artifacts, err := s.ListArtifactsByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}
