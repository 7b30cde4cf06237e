// Package run 执行领域 - HTTP 处理
package run

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"taskpilot/internal/agentexec"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// RunStore 定义 run handler 需要的存储接口（用于测试 mock）
type RunStore interface {
	GetRun(ctx context.Context, id string) (*model.AgentRun, error)
	ListRunsByTask(ctx context.Context, taskID string) ([]*model.AgentRun, error)
	GetPrompt(ctx context.Context, id string) (*model.PendingPrompt, error)
	ListPromptsByTask(ctx context.Context, taskID string, status model.PromptStatus) ([]*model.PendingPrompt, error)
	AnswerPrompt(ctx context.Context, id string, response []byte, answeredAt time.Time) error
}

// AgentService 定义 run handler 需要的 Agent 执行服务接口
type AgentService interface {
	Execute(ctx context.Context, taskID, mode, agentType string) (*model.AgentRun, error)
	Stop(ctx context.Context, runID string) error
}

// Handler 执行领域 HTTP 处理器
type Handler struct {
	store   RunStore
	service AgentService
}

// NewHandler 创建执行处理器
func NewHandler(store storage.PersistentStore, service *agentexec.Service) *Handler {
	return &Handler{store: store, service: service}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store RunStore, service AgentService) *Handler {
	return &Handler{store: store, service: service}
}

// RegisterRoutes 注册执行相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks/{id}/runs", h.Create)
	mux.HandleFunc("GET /api/v1/tasks/{id}/runs", h.ListByTask)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/tasks/{id}/prompts", h.ListPrompts)
	mux.HandleFunc("POST /api/v1/prompts/{id}/answer", h.AnswerPrompt)
}

// CreateRequest 创建执行的请求体
type CreateRequest struct {
	Mode      string `json:"mode"`
	AgentType string `json:"agent_type"`
}

// AnswerRequest 答复人工输入请求的请求体
type AnswerRequest struct {
	Response json.RawMessage `json:"response"`
}

// Create 为任务启动一次 Agent 执行
// POST /api/v1/tasks/{id}/runs
//
// 请求体: {"mode": "implement", "agent_type": "claude"}
//
// 响应:
//   - 201 Created: 执行已启动（Agent 在后台运行）
//   - 404 Not Found: 任务不存在
//   - 409 Conflict: 任务已有活跃的 Agent 执行
//   - 422 Unprocessable Entity: 未注册的 agent_type
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, "mode is required")
		return
	}

	run, err := h.service.Execute(ctx, taskID, req.Mode, req.AgentType)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, agentexec.ErrAgentAlreadyRunning):
			writeError(w, http.StatusConflict, "task already has a running agent")
		case errors.Is(err, agentexec.ErrUnknownAgentType):
			writeError(w, http.StatusUnprocessableEntity, "unknown agent type")
		default:
			log.Printf("[run.create.failed] task_id=%s error=%v", taskID, err)
			writeError(w, http.StatusInternalServerError, "failed to start run")
		}
		return
	}

	log.Printf("[run.created] run_id=%s task_id=%s mode=%s", run.ID, taskID, run.Mode)
	writeJSON(w, http.StatusCreated, run)
}

// ListByTask 列出任务的执行记录
// GET /api/v1/tasks/{id}/runs
func (h *Handler) ListByTask(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRunsByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// Get 获取执行详情
// GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Cancel 取消一次执行
// POST /api/v1/runs/{id}/cancel
//
// 响应:
//   - 200 OK: 已取消
//   - 404 Not Found: Run 不存在
//   - 409 Conflict: Run 已处于终态
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if err := h.service.Stop(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, "run already terminal")
		default:
			log.Printf("[run.cancel.failed] run_id=%s error=%v", runID, err)
			writeError(w, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": runID, "status": string(model.RunStatusCancelled)})
}

// ListPrompts 列出任务的人工输入请求
// GET /api/v1/tasks/{id}/prompts?status=pending
func (h *Handler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	status := model.PromptStatus(r.URL.Query().Get("status"))

	prompts, err := h.store.ListPromptsByTask(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts, "count": len(prompts)})
}

// AnswerPrompt 答复人工输入请求
// POST /api/v1/prompts/{id}/answer
//
// 请求体: {"response": {...}}
//
// 响应:
//   - 200 OK: 已答复
//   - 404 Not Found: 请求不存在
//   - 409 Conflict: 请求已答复或已过期
func (h *Handler) AnswerPrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	promptID := r.PathValue("id")

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Response) == 0 {
		writeError(w, http.StatusBadRequest, "response is required")
		return
	}

	prompt, err := h.store.GetPrompt(ctx, promptID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get prompt")
		return
	}
	if prompt == nil {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}

	if err := h.store.AnswerPrompt(ctx, promptID, req.Response, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "prompt already answered or expired")
			return
		}
		log.Printf("[prompt.answer.failed] prompt_id=%s error=%v", promptID, err)
		writeError(w, http.StatusInternalServerError, "failed to answer prompt")
		return
	}

	answered, err := h.store.GetPrompt(ctx, promptID)
	if err != nil || answered == nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": promptID, "status": string(model.PromptStatusAnswered)})
		return
	}
	writeJSON(w, http.StatusOK, answered)
}
