// Package server WebSocket 事件网关
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskpilot/internal/shared/eventbus"
)

// upgrader WebSocket 升级器配置
//
// CheckOrigin 当前允许所有来源，生产环境应限制。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventGateway WebSocket 事件网关
//
// 网关负责：
//   - 管理 WebSocket 连接
//   - 回放 Run 的历史事件（断线重连恢复）
//   - 订阅事件总线，把新事件实时推送给客户端
//
// 使用场景：前端实时显示 Agent 执行日志与状态变化。
type EventGateway struct {
	bus     eventbus.RunEventBus
	clients map[string]map[*websocket.Conn]bool // 按 RunID 索引的客户端连接
	mu      sync.RWMutex
}

// NewEventGateway 创建事件网关实例
func NewEventGateway(bus eventbus.RunEventBus) *EventGateway {
	return &EventGateway{
		bus:     bus,
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/runs/{id}/events
//
// 查询参数：
//   - from_id: 起始事件 ID（可选），用于断线重连恢复；缺省回放全部留存事件
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}
	if g.bus == nil {
		http.Error(w, "event streaming not configured", http.StatusServiceUnavailable)
		return
	}

	fromID := r.URL.Query().Get("from_id")
	if fromID == "" {
		fromID = "0"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	g.addClient(runID, conn)
	defer g.removeClient(runID, conn)
	wsConnectionsActive.Inc()
	defer wsConnectionsActive.Dec()

	log.Printf("[ws] client connected for run %s", runID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, runID, fromID)
}

// addClient 添加客户端连接
func (g *EventGateway) addClient(runID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[runID] == nil {
		g.clients[runID] = make(map[*websocket.Conn]bool)
	}
	g.clients[runID][conn] = true
}

// removeClient 移除客户端连接
func (g *EventGateway) removeClient(runID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[runID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(g.clients, runID)
		}
	}
}

// ClientCount 返回指定 Run 的在线客户端数（测试用）
func (g *EventGateway) ClientCount(runID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[runID])
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行：心跳消息响应 pong，连接关闭时取消上下文。
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// writePump 向客户端推送事件
//
// 先回放留存的历史事件，再订阅事件总线推送增量；
// 每 30s 发送 ping 保持连接。
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, runID, fromID string) {
	// 回放历史事件
	events, err := g.bus.GetRunEvents(ctx, runID, fromID, eventbus.MaxStreamLength)
	if err != nil {
		log.Printf("[ws] run %s: replay events: %v", runID, err)
	}
	for _, ev := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": ev}); err != nil {
			log.Printf("[ws] write error: %v", err)
			return
		}
	}

	// 订阅增量事件
	eventCh, err := g.bus.SubscribeRunEvents(ctx, runID)
	if err != nil {
		log.Printf("[ws] run %s: subscribe events: %v", runID, err)
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": ev}); err != nil {
				log.Printf("[ws] write error: %v", err)
				return
			}
		}
	}
}
