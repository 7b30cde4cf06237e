// Package pipelinecfg 流水线配置 - 管理员 HTTP 处理
//
// 流水线配置是外部资产：创建/更新在保存时全量校验，
// 配置错误绝不推迟到转换执行时报告。
package pipelinecfg

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// PipelineStore 定义 pipelinecfg handler 需要的存储接口（用于测试 mock）
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	UpdatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*model.Pipeline, error)
}

// Validator 定义配置校验接口
type Validator interface {
	Validate(p *model.Pipeline) error
}

// Handler 流水线配置 HTTP 处理器
type Handler struct {
	store     PipelineStore
	validator Validator
}

// NewHandler 创建流水线配置处理器
func NewHandler(store storage.PersistentStore, loader *pipeline.Loader) *Handler {
	return &Handler{store: store, validator: loader}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store PipelineStore, validator Validator) *Handler {
	return &Handler{store: store, validator: validator}
}

// RegisterRoutes 注册流水线配置相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/pipelines", h.List)
	mux.HandleFunc("POST /api/v1/pipelines", h.Create)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", h.Get)
	mux.HandleFunc("PUT /api/v1/pipelines/{id}", h.Update)
}

// List 列出流水线
// GET /api/v1/pipelines
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines, "count": len(pipelines)})
}

// Get 获取流水线详情
// GET /api/v1/pipelines/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Create 创建流水线
// POST /api/v1/pipelines
//
// 响应:
//   - 201 Created: 已创建
//   - 409 Conflict: ID 已存在
//   - 422 Unprocessable Entity: 配置校验失败（body 含具体原因）
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var p model.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Validate(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := h.store.CreatePipeline(r.Context(), &p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "pipeline already exists")
			return
		}
		log.Printf("[pipeline.create.failed] pipeline_id=%s error=%v", p.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create pipeline")
		return
	}

	log.Printf("[pipeline.created] pipeline_id=%s statuses=%d transitions=%d",
		p.ID, len(p.Statuses), len(p.Transitions))
	writeJSON(w, http.StatusCreated, p)
}

// Update 更新流水线
// PUT /api/v1/pipelines/{id}
//
// 更新只影响后续转换求值，进行中的任务不受追溯影响。
//
// 响应:
//   - 200 OK: 已更新
//   - 404 Not Found: 流水线不存在
//   - 422 Unprocessable Entity: 配置校验失败
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var p model.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = id

	if err := h.validator.Validate(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	existing, err := h.store.GetPipeline(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}

	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()

	if err := h.store.UpdatePipeline(ctx, &p); err != nil {
		log.Printf("[pipeline.update.failed] pipeline_id=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to update pipeline")
		return
	}

	log.Printf("[pipeline.updated] pipeline_id=%s", id)
	writeJSON(w, http.StatusOK, p)
}
