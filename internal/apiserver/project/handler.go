// Package project 项目领域 - HTTP 处理
package project

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ProjectStore 定义 project handler 需要的存储接口（用于测试 mock）
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// Handler 项目领域 HTTP 处理器
type Handler struct {
	store ProjectStore
}

// NewHandler 创建项目处理器
func NewHandler(store storage.PersistentStore) *Handler {
	return &Handler{store: store}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store ProjectStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册项目相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/projects", h.List)
	mux.HandleFunc("POST /api/v1/projects", h.Create)
	mux.HandleFunc("GET /api/v1/projects/{id}", h.Get)
}

// CreateRequest 创建项目的请求体
type CreateRequest struct {
	Name       string `json:"name"`
	RepoURL    string `json:"repo_url"`
	BaseBranch string `json:"base_branch"`
}

// List 列出项目
// GET /api/v1/projects
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects, "count": len(projects)})
}

// Create 创建项目
// POST /api/v1/projects
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	p := &model.Project{
		ID:         generateID("proj"),
		Name:       req.Name,
		RepoURL:    req.RepoURL,
		BaseBranch: baseBranch,
		CreatedAt:  time.Now(),
	}

	if err := h.store.CreateProject(r.Context(), p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "project already exists")
			return
		}
		log.Printf("[project.create.failed] project_id=%s error=%v", p.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Get 获取项目详情
// GET /api/v1/projects/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get project")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
