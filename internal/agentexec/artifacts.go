// Package agentexec 产物收集
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/objstore"
)

// collectArtifacts 收集一次成功执行的产物
//
// 全程 best-effort：产物步骤的任何失败只留日志/错误事件，
// 绝不失败一次已成功的执行。
//
//   - branch 产物：每次都记
//   - outcome=plan_ready 额外：document 产物、回填任务的 Plan/Subtasks
//   - outcome=pr_ready 额外：diff 产物（上传对象存储）、推分支、
//     建 PR、pr 产物、回填任务的 PRLink/BranchName
func (s *Service) collectArtifacts(ctx context.Context, run *model.AgentRun, task *model.Task,
	ws *Workspace, res *ExecutionResult) {

	s.recordArtifact(ctx, run, task, model.ArtifactTypeBranch, map[string]interface{}{
		"branch": ws.Branch,
	})

	switch res.Outcome {
	case OutcomePlanReady:
		s.collectPlan(ctx, run, task, res)
	case OutcomePRReady:
		s.collectDiff(ctx, run, task)
		s.createPR(ctx, run, task, ws, res)
	}
}

// collectPlan 回填任务的计划文档与子任务，并记 document 产物
func (s *Service) collectPlan(ctx context.Context, run *model.AgentRun, task *model.Task,
	res *ExecutionResult) {
	plan, ok := res.Payload["plan"].(string)
	if !ok || plan == "" {
		log.Printf("[agentexec] run %s: plan_ready payload carries no plan text, skipping", run.ID)
		return
	}

	subtasks := parseSubtasks(res.Payload["subtasks"])
	if err := s.store.UpdateTaskDeliverables(ctx, task.ID, &plan, subtasks, nil, nil); err != nil {
		log.Printf("[agentexec] run %s: update task plan: %v", run.ID, err)
	}

	s.recordArtifact(ctx, run, task, model.ArtifactTypeDocument, map[string]interface{}{
		"kind": "plan", "length": len(plan), "subtasks": len(subtasks),
	})
}

// parseSubtasks 解析载荷中的子任务列表
//
// 容忍两种形态：字符串数组（名称即条目）和对象数组
// （{name, status}，status 缺省 open）。其余形态忽略。
func parseSubtasks(raw interface{}) []model.Subtask {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var subtasks []model.Subtask
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v != "" {
				subtasks = append(subtasks, model.Subtask{Name: v, Status: model.SubtaskStatusOpen})
			}
		case map[string]interface{}:
			name, _ := v["name"].(string)
			if name == "" {
				continue
			}
			status := model.SubtaskStatusOpen
			if raw, ok := v["status"].(string); ok && raw != "" {
				status = model.SubtaskStatus(raw)
			}
			subtasks = append(subtasks, model.Subtask{Name: name, Status: status})
		}
	}
	return subtasks
}

// collectDiff 采集 diff 产物并上传对象存储
func (s *Service) collectDiff(ctx context.Context, run *model.AgentRun, task *model.Task) {
	reader, size, err := s.workspace.Diff(ctx, task.ID)
	if err != nil {
		log.Printf("[agentexec] run %s: collect diff: %v", run.ID, err)
		return
	}

	data := map[string]interface{}{"size_bytes": size}
	if s.objects != nil {
		key := objstore.DiffKey(task.ID, run.ID)
		if err := s.objects.Upload(ctx, key, reader, size, "text/x-diff"); err != nil {
			log.Printf("[agentexec] run %s: upload diff: %v", run.ID, err)
		} else {
			data["object_key"] = key
		}
	}
	s.recordArtifact(ctx, run, task, model.ArtifactTypeDiff, data)
}

// createPR 推分支、请求建 PR、记 pr 产物、回填任务字段
func (s *Service) createPR(ctx context.Context, run *model.AgentRun, task *model.Task,
	ws *Workspace, res *ExecutionResult) {
	if s.scm == nil {
		log.Printf("[agentexec] run %s: no SCM platform configured, skipping PR creation", run.ID)
		return
	}

	if err := s.scm.PushBranch(ctx, task, ws.Branch); err != nil {
		s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeAgentCompleted, model.EventSeverityError,
			fmt.Sprintf("push branch %s failed: %v", ws.Branch, err), nil)
		log.Printf("[agentexec] run %s: push branch: %v", run.ID, err)
		return
	}

	title, body := prContent(task, res)
	pr, err := s.scm.CreatePullRequest(ctx, task, ws.Branch, title, body)
	if err != nil {
		s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeAgentCompleted, model.EventSeverityError,
			fmt.Sprintf("create pull request failed: %v", err), nil)
		log.Printf("[agentexec] run %s: create PR: %v", run.ID, err)
		return
	}

	s.recordArtifact(ctx, run, task, model.ArtifactTypePR, map[string]interface{}{
		"url": pr.URL, "number": pr.Number, "branch": ws.Branch,
	})

	if err := s.store.UpdateTaskDeliverables(ctx, task.ID, nil, nil, &pr.URL, &ws.Branch); err != nil {
		log.Printf("[agentexec] run %s: update task PR link: %v", run.ID, err)
	}
}

// prContent 从 outcome 载荷提取 PR 标题与正文
func prContent(task *model.Task, res *ExecutionResult) (title, body string) {
	title = task.Title
	if t, ok := res.Payload["pr_title"].(string); ok && t != "" {
		title = t
	}
	if b, ok := res.Payload["pr_body"].(string); ok {
		body = b
	}
	return title, body
}

// recordArtifact 写入一条产物并留事件
func (s *Service) recordArtifact(ctx context.Context, run *model.AgentRun, task *model.Task,
	typ model.ArtifactType, data map[string]interface{}) {
	encoded, err := json.Marshal(data)
	if err != nil {
		log.Printf("[agentexec] run %s: encode %s artifact: %v", run.ID, typ, err)
		return
	}
	artifact := &model.TaskArtifact{
		TaskID:     task.ID,
		AgentRunID: &run.ID,
		Type:       typ,
		Data:       encoded,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateArtifact(ctx, artifact); err != nil {
		log.Printf("[agentexec] run %s: record %s artifact: %v", run.ID, typ, err)
		return
	}
	s.recordEvent(ctx, task.ID, &run.ID, model.EventTypeArtifactRecorded, model.EventSeverityInfo,
		fmt.Sprintf("%s artifact recorded", typ), encoded)
}
