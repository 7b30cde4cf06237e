// Package agentexec 启动恢复
package agentexec

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// Recover 清算上一次进程崩溃遗留的孤儿 Run
//
// 进程重启后，数据库里仍为 running 的 Run 都没有对应的执行
// goroutine 了——它们永远不会自己结束。启动时（Supervisor 起来
// 之前）一次性把它们全部收割为 timed_out，释放阶段与工作区，
// 过期未答复的输入请求。任务状态本身不动：留在原状态等人工
// 或 max_retries 守卫决定下一步。
//
// 返回被清算的 Run ID 列表。
func (s *Service) Recover(ctx context.Context) ([]string, error) {
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	log.Printf("[agentexec] recovery: found %d orphaned run(s)", len(runs))

	now := time.Now().UTC()
	var mu sync.Mutex
	var recovered []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			if err := s.recoverRun(gctx, run, now); err != nil {
				return err
			}
			mu.Lock()
			recovered = append(recovered, run.ID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return recovered, err
	}

	recoveredRunsTotal.Add(float64(len(recovered)))
	log.Printf("[agentexec] recovery: closed %d orphaned run(s)", len(recovered))
	return recovered, nil
}

// recoverRun 清算单个孤儿 Run
func (s *Service) recoverRun(ctx context.Context, run *model.AgentRun, now time.Time) error {
	errMsg := "orphaned by process restart"
	if err := s.store.FinishRun(ctx, run.ID, model.RunStatusTimedOut, &errMsg, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return err
	}

	s.releaseActivePhase(ctx, run.TaskID, model.PhaseStatusFailed, now)
	if err := s.store.ExpirePromptsByRun(ctx, run.ID); err != nil {
		log.Printf("[agentexec] recovery: expire prompts for %s: %v", run.ID, err)
	}
	if err := s.workspace.Release(run.TaskID); err != nil {
		log.Printf("[agentexec] recovery: release workspace for %s: %v", run.TaskID, err)
	}

	s.recordEvent(ctx, run.TaskID, &run.ID, model.EventTypeAgentTimedOut, model.EventSeverityWarning,
		"agent run was orphaned by a process restart and closed during recovery", nil)
	log.Printf("[agentexec] recovery: run %s (task %s) closed", run.ID, run.TaskID)
	return nil
}
