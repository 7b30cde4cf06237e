// Package task 任务领域 - HTTP 处理
package task

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// TaskStore 定义 task handler 需要的存储接口（用于测试 mock）
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTransitionHistory(ctx context.Context, taskID string) ([]*model.TransitionHistoryEntry, error)
	ListEventsByTask(ctx context.Context, taskID string, limit int) ([]*model.TaskEvent, error)
	ListArtifactsByTask(ctx context.Context, taskID string) ([]*model.TaskArtifact, error)
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
}

// TransitionEngine 定义 task handler 需要的流水线引擎接口
type TransitionEngine interface {
	ValidTransitions(ctx context.Context, task *model.Task, trigger model.TriggerType) ([]pipeline.TransitionOption, error)
	ExecuteTransition(ctx context.Context, task *model.Task, toStatus string, tctx *pipeline.Context) (*pipeline.Result, error)
}

// Handler 任务领域 HTTP 处理器
type Handler struct {
	store  TaskStore
	engine TransitionEngine
}

// NewHandler 创建任务处理器
func NewHandler(store storage.PersistentStore, engine *pipeline.Engine) *Handler {
	return &Handler{store: store, engine: engine}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store TaskStore, engine TransitionEngine) *Handler {
	return &Handler{store: store, engine: engine}
}

// RegisterRoutes 注册任务相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks", h.List)
	mux.HandleFunc("POST /api/v1/tasks", h.Create)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", h.Delete)
	mux.HandleFunc("GET /api/v1/tasks/{id}/transitions", h.ListTransitions)
	mux.HandleFunc("POST /api/v1/tasks/{id}/transitions", h.ExecuteTransition)
	mux.HandleFunc("GET /api/v1/tasks/{id}/history", h.ListHistory)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/tasks/{id}/artifacts", h.ListArtifacts)
}

// CreateRequest 创建任务的请求体
type CreateRequest struct {
	ProjectID   string          `json:"project_id"`
	PipelineID  string          `json:"pipeline_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    int             `json:"priority"`
	Tags        []string        `json:"tags"`
	DependsOn   []string        `json:"depends_on"`
	Metadata    json.RawMessage `json:"metadata"`
}

// TransitionRequest 执行转换的请求体
type TransitionRequest struct {
	To    string `json:"to"`
	Actor string `json:"actor"`
}

// List 列出任务
// GET /api/v1/tasks?project_id=xxx
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		log.Printf("[task.list.failed] error=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// Create 创建任务
// POST /api/v1/tasks
//
// 初始状态取所属流水线状态集的第一个状态。
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.PipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline_id is required")
		return
	}

	p, err := h.store.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		log.Printf("[task.create.pipeline.failed] pipeline_id=%s error=%v", req.PipelineID, err)
		writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}
	if p == nil {
		writeError(w, http.StatusUnprocessableEntity, "pipeline not found")
		return
	}
	if len(p.Statuses) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "pipeline has no statuses")
		return
	}

	now := time.Now()
	t := &model.Task{
		ID:          generateID("task"),
		ProjectID:   req.ProjectID,
		PipelineID:  p.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      p.Statuses[0].Name,
		Priority:    req.Priority,
		Tags:        req.Tags,
		DependsOn:   req.DependsOn,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.store.CreateTask(ctx, t); err != nil {
		log.Printf("[task.create.failed] task_id=%s error=%v", t.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	log.Printf("[task.created] task_id=%s pipeline_id=%s status=%s", t.ID, t.PipelineID, t.Status)
	writeJSON(w, http.StatusCreated, t)
}

// Get 获取任务详情
// GET /api/v1/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Delete 删除任务（级联删除历史/阶段/产物/事件）
// DELETE /api/v1/tasks/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteTask(r.Context(), id); err != nil {
		log.Printf("[task.delete.failed] task_id=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTransitions 列出当前状态的候选转换（带守卫试算结果）
// GET /api/v1/tasks/{id}/transitions?trigger=manual
//
// 试算不产生副作用，供 UI 渲染可用/禁用的操作按钮。
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := h.store.GetTask(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	trigger := model.TriggerType(r.URL.Query().Get("trigger"))
	if trigger == "" {
		trigger = model.TriggerManual
	}

	options, err := h.engine.ValidTransitions(ctx, t, trigger)
	if err != nil {
		log.Printf("[task.transitions.failed] task_id=%s error=%v", t.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to evaluate transitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": options, "count": len(options)})
}

// ExecuteTransition 执行一次状态转换
// POST /api/v1/tasks/{id}/transitions
//
// 请求体: {"to": "planning", "actor": "alice"}
//
// 响应:
//   - 200 OK: 转换已提交（body 含钩子失败明细，如有）
//   - 409 Conflict: 守卫拒绝 / 无转换边 / 并发冲突（body 含拒绝明细）
//   - 422 Unprocessable Entity: 任务引用的流水线不存在
func (h *Handler) ExecuteTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	t, err := h.store.GetTask(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	result, err := h.engine.ExecuteTransition(ctx, t, req.To, &pipeline.Context{
		Trigger: model.TriggerManual,
		Actor:   req.Actor,
	})
	if err != nil {
		log.Printf("[task.transition.failed] task_id=%s to=%s error=%v", t.ID, req.To, err)
		writeError(w, http.StatusInternalServerError, "failed to execute transition")
		return
	}

	if !result.Success {
		status := http.StatusConflict
		if result.ErrorCode == pipeline.ErrCodePipelineNotFound {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListHistory 列出任务的转换历史
// GET /api/v1/tasks/{id}/history
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListTransitionHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries, "count": len(entries)})
}

// ListEvents 列出任务事件（时间倒序）
// GET /api/v1/tasks/{id}/events?limit=100
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.store.ListEventsByTask(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ListArtifacts 列出任务产物
// GET /api/v1/tasks/{id}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.store.ListArtifactsByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts, "count": len(artifacts)})
}
