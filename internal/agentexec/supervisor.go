// Package agentexec Run 超时监督
package agentexec

import (
	"context"
	"errors"
	"log"
	"time"

	"taskpilot/internal/shared/eventbus"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// Supervisor - 超时收割
// ============================================================================

// Supervisor 后台监督循环
//
// 固定间隔扫描所有 running 状态的 Run，超过各自超时阈值的收割为
// timed_out。这是对"能力方永不回调"（子进程挂死、崩溃）的兜底：
// 正常结束的 Run 由执行路径自己收尾，Supervisor 对它们的 FinishRun
// 拿到 ErrConflict 后跳过——终态恰好一次在这里同样成立。
type Supervisor struct {
	service  *Service
	interval time.Duration
}

// NewSupervisor 创建监督器
func NewSupervisor(service *Service, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{service: service, interval: interval}
}

// Start 启动监督循环，ctx 取消时退出
func (sv *Supervisor) Start(ctx context.Context) {
	log.Printf("[supervisor] started (interval=%s)", sv.interval)
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[supervisor] stopped")
			return
		case <-ticker.C:
			sv.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮超时扫描（导出供测试直接驱动）
func (sv *Supervisor) Sweep(ctx context.Context) {
	runs, err := sv.service.store.ListRunningRuns(ctx)
	if err != nil {
		log.Printf("[supervisor] list running runs: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if !run.Overdue(now) {
			continue
		}
		sv.timeOut(ctx, run, now)
	}
}

// timeOut 收割一个超时的 Run
func (sv *Supervisor) timeOut(ctx context.Context, run *model.AgentRun, now time.Time) {
	errMsg := "timed out by supervisor"
	if err := sv.service.store.FinishRun(ctx, run.ID, model.RunStatusTimedOut, &errMsg, now); err != nil {
		// 执行路径抢先收尾了——不是错误
		if !errors.Is(err, storage.ErrConflict) {
			log.Printf("[supervisor] finish run %s: %v", run.ID, err)
		}
		return
	}

	// 中断还挂在进程内的执行 goroutine
	sv.service.mu.Lock()
	reg := sv.service.running[run.ID]
	sv.service.mu.Unlock()
	if reg != nil {
		reg.cancel()
	}
	if cap, ok := sv.service.capabilities[run.AgentType]; ok {
		if err := cap.Stop(run.ID); err != nil {
			log.Printf("[supervisor] capability stop %s: %v", run.ID, err)
		}
	}

	sv.service.releaseActivePhase(ctx, run.TaskID, model.PhaseStatusFailed, now)
	if err := sv.service.store.ExpirePromptsByRun(ctx, run.ID); err != nil {
		log.Printf("[supervisor] expire prompts for %s: %v", run.ID, err)
	}
	if err := sv.service.workspace.Release(run.TaskID); err != nil {
		log.Printf("[supervisor] release workspace for %s: %v", run.TaskID, err)
	}

	supervisorTimeoutsTotal.Inc()
	runsFinishedTotal.WithLabelValues(string(model.RunStatusTimedOut)).Inc()
	sv.service.recordEvent(ctx, run.TaskID, &run.ID, model.EventTypeAgentTimedOut, model.EventSeverityWarning,
		"agent run exceeded its timeout and was terminated", nil)
	sv.service.publishRunEvent(ctx, run.ID, eventbus.RunEventTimedOut, map[string]interface{}{
		"timeout_seconds": run.TimeoutSeconds,
	})
	log.Printf("[supervisor] run %s timed out (started %s, limit %ds)",
		run.ID, run.StartedAt.Format(time.RFC3339), run.TimeoutSeconds)
}
