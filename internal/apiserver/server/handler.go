// Package server 路由配置
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包。
package server

import (
	"net/http"

	"taskpilot/internal/apiserver/pipelinecfg"
	"taskpilot/internal/apiserver/project"
	"taskpilot/internal/apiserver/run"
	"taskpilot/internal/apiserver/task"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 任务管理 (Task):
//   - GET    /api/v1/tasks                     - 列出任务
//   - POST   /api/v1/tasks                     - 创建任务
//   - GET    /api/v1/tasks/{id}                - 获取任务详情
//   - DELETE /api/v1/tasks/{id}                - 删除任务
//   - GET    /api/v1/tasks/{id}/transitions    - 候选转换（守卫试算）
//   - POST   /api/v1/tasks/{id}/transitions    - 执行转换
//   - GET    /api/v1/tasks/{id}/history        - 转换历史
//   - GET    /api/v1/tasks/{id}/events         - 任务事件
//   - GET    /api/v1/tasks/{id}/artifacts      - 任务产物
//
// 执行管理 (Run):
//   - POST   /api/v1/tasks/{id}/runs           - 启动 Agent 执行
//   - GET    /api/v1/tasks/{id}/runs           - 列出任务的执行记录
//   - GET    /api/v1/runs/{id}                 - 获取执行详情
//   - POST   /api/v1/runs/{id}/cancel          - 取消执行
//   - GET    /api/v1/tasks/{id}/prompts        - 列出人工输入请求
//   - POST   /api/v1/prompts/{id}/answer       - 答复人工输入请求
//
// 流水线配置 (Pipeline):
//   - GET    /api/v1/pipelines                 - 列出流水线
//   - POST   /api/v1/pipelines                 - 创建流水线（保存时校验）
//   - GET    /api/v1/pipelines/{id}            - 获取流水线详情
//   - PUT    /api/v1/pipelines/{id}            - 更新流水线（保存时校验）
//
// 项目管理 (Project):
//   - GET    /api/v1/projects                  - 列出项目
//   - POST   /api/v1/projects                  - 创建项目
//   - GET    /api/v1/projects/{id}             - 获取项目详情
//
// WebSocket:
//   - GET    /ws/runs/{id}/events              - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// Task 接口
	taskHandler := task.NewHandler(h.store, h.engine)
	taskHandler.RegisterRoutes(mux)

	// Run 接口
	runHandler := run.NewHandler(h.store, h.service)
	runHandler.RegisterRoutes(mux)

	// 流水线配置接口
	pipelineHandler := pipelinecfg.NewHandler(h.store, h.loader)
	pipelineHandler.RegisterRoutes(mux)

	// 项目接口
	projectHandler := project.NewHandler(h.store)
	projectHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := MetricsMiddleware(mux)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(apiHandler)

	// 顶层路由：WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/runs/{id}/events", h.eventGateway.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
