// Package agentexec 本地工作区管理器
//
// 负责任务执行前的工作区准备：
//   - 每个任务一个隔离目录（<baseDir>/<taskID>）
//   - 获取即上锁：同一任务的工作区在释放前不可重复获取
//   - diff 采集：约定 Agent 把改动写入工作区内的 diff.patch
package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"taskpilot/internal/shared/model"
)

// WorkspaceManager 本地目录工作区管理器
type WorkspaceManager struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*Workspace // taskID -> 已获取的工作区
}

// 编译期断言
var _ WorkspaceProvider = (*WorkspaceManager)(nil)

// NewWorkspaceManager 创建工作区管理器
func NewWorkspaceManager(baseDir string) *WorkspaceManager {
	if baseDir == "" {
		baseDir = "/tmp/taskpilot-workspaces"
	}
	os.MkdirAll(baseDir, 0o755)

	return &WorkspaceManager{
		baseDir: baseDir,
		locks:   make(map[string]*Workspace),
	}
}

// Acquire 获取任务工作区并上锁
//
// 已有未释放的工作区时返回错误——这是"一个任务同时只有一个
// Agent"在阶段唯一索引之外的第二道闸。
func (m *WorkspaceManager) Acquire(ctx context.Context, task *model.Task, project *model.Project) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locks[task.ID]; held {
		return nil, fmt.Errorf("workspace for task %s is locked", task.ID)
	}

	dir := filepath.Join(m.baseDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	branch := task.BranchName
	if branch == nil || *branch == "" {
		b := "task/" + task.ID
		branch = &b
	}

	ws := &Workspace{Dir: dir, Branch: *branch}
	m.locks[task.ID] = ws
	log.Printf("[workspace] acquired %s (branch=%s)", dir, ws.Branch)
	return ws, nil
}

// Release 释放任务工作区的锁，幂等
// 目录本身保留：下次执行复用，清理交给外部运维
func (m *WorkspaceManager) Release(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, taskID)
	return nil
}

// Locked 任务工作区是否处于锁定状态（测试与观测用）
func (m *WorkspaceManager) Locked(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locks[taskID]
	return held
}

// Diff 读取工作区的 diff.patch
func (m *WorkspaceManager) Diff(ctx context.Context, taskID string) (io.Reader, int64, error) {
	path := filepath.Join(m.baseDir, taskID, "diff.patch")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read diff for task %s: %w", taskID, err)
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
