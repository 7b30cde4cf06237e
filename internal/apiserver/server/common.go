// Package server 提供 HTTP API 装配
//
// 本包负责：
//   - 路由装配（各领域独立包注册到同一个 ServeMux）
//   - 健康检查与 Prometheus 指标端点
//   - WebSocket 事件网关（Run 执行事件实时推送）
//
// 文件组织：
//   - common.go: Handler 定义与健康检查
//   - handler.go: 路由装配
//   - metrics.go: Prometheus 指标
//   - websocket.go: WebSocket 事件网关
package server

import (
	"net/http"

	"taskpilot/internal/agentexec"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/eventbus"
	"taskpilot/internal/shared/storage"
)

// Handler API 装配器
//
// Handler 是所有 HTTP API 的入口，负责把持久化存储、流水线引擎、
// Agent 执行服务和事件总线接到各领域处理器上。
type Handler struct {
	store   storage.PersistentStore
	engine  *pipeline.Engine
	service *agentexec.Service
	loader  *pipeline.Loader
	bus     eventbus.RunEventBus

	eventGateway *EventGateway
}

// NewHandler 创建 Handler 实例
//
// bus 可为 nil，此时 WebSocket 端点返回 503。
func NewHandler(store storage.PersistentStore, engine *pipeline.Engine,
	service *agentexec.Service, loader *pipeline.Loader, bus eventbus.RunEventBus) *Handler {
	h := &Handler{
		store:   store,
		engine:  engine,
		service: service,
		loader:  loader,
		bus:     bus,
	}
	h.eventGateway = NewEventGateway(bus)
	return h
}

// Health 服务健康检查
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
