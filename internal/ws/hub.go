// Package ws 以 WebSocket 承載語音房間的訊息中繼。
//
// Hub 只負責連線生命週期與訊框收發；
// 訊息語意（房間、協商、音訊）交給 Handler（relay.Router）處理。
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-voice-room/internal/metrics"
	"github.com/koopa0/system-design/14-voice-room/internal/relay"
)

// 系統設計問題：
//   如何讓大量短生命週期的連線即時交換協商訊息與音訊？
//
// 核心挑戰：
//   1. 實時通信：協商訊息與音訊需要低延遲雙向傳遞
//   2. 死連接：客戶端崩潰或網路中斷時伺服器無法立即察覺
//   3. 慢客戶端：單一連線寫入變慢不能拖累整個房間
//   4. 斷線清理：每條連線恰好觸發一次 Disconnect
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信，音訊以二進位訊框傳遞
//   ✅ Hub 模式 - 集中管理連線，提供 Send / Alive 給路由器
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送，佇列滿時丟棄

// Handler 處理連線事件
type Handler interface {
	Connect(connID string)
	HandleText(connID string, data []byte)
	HandleBinary(connID string, data []byte)
	Disconnect(connID string)
}

// Options 連線參數
type Options struct {
	MaxMessageBytes   int64
	SendBuffer        int
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	MessagesPerSecond float64 // <= 0 表示不限速
	MessageBurst      int
	CheckOrigin       func(r *http.Request) bool
}

// DefaultOptions 預設連線參數
//
// 時間配置：writePump 54s Ping → 網路傳輸 < 6s → readPump 60s 超時
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes:   1 << 20,
		SendBuffer:        256,
		PingInterval:      54 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MessagesPerSecond: 200,
		MessageBurst:      400,
	}
}

// Hub WebSocket 連線中心
//
// 系統設計考量：
//
//  1. 連線映射：map[connID]*Connection
//     - 房間關係由 room.Registry 維護，Hub 不重複記錄
//     - 單層 map：單播與存活檢查都是 O(1)
//
//  2. 並發安全：RWMutex
//     - Send / Alive 取讀鎖（頻繁），註冊/註銷取寫鎖（少）
//     - 鎖順序：Router 分派鎖 → Hub 鎖；Hub 持鎖時不回呼 Handler
//
//  3. Send channel 只在寫鎖下關閉，Send 持讀鎖排入，不會寫入已關閉的 channel
type Hub struct {
	handler     Handler
	metrics     *metrics.Metrics
	logger      *slog.Logger
	opts        Options
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	mu          sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

// NewHub 創建 WebSocket Hub
//
// Handler 透過 SetHandler 注入（Router 需要 Hub 作為 Transport）。
func NewHub(opts Options, m *metrics.Metrics, logger *slog.Logger) *Hub {
	defaults := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Hub{
		metrics: m,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connections: make(map[string]*Connection),
	}
}

// SetHandler 設定事件處理器，必須在開始服務前呼叫
func (hub *Hub) SetHandler(h Handler) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.handler = h
}

// ServeWS 處理 WebSocket 連線
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	hub.mu.RLock()
	handler, closed := hub.handler, hub.closed
	hub.mu.RUnlock()
	if handler == nil || closed {
		http.Error(w, "服務暫不可用", http.StatusServiceUnavailable)
		return
	}

	// 升級為 WebSocket 連線（失敗時 upgrader 已寫入回應）
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("升級 WebSocket 失敗",
			"remote_addr", r.RemoteAddr,
			"error", err)
		return
	}

	c := &Connection{
		ID:      uuid.NewString(),
		conn:    conn,
		send:    make(chan relay.Frame, hub.opts.SendBuffer),
		hub:     hub,
		handler: handler,
	}

	if !hub.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	hub.metrics.ConnectionOpened()

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連線建立",
		"conn_id", c.ID,
		"remote_addr", r.RemoteAddr)
}

// Send 將訊框排入連線的發送佇列
//
// 連線不存在或佇列已滿時回傳 false，不阻塞呼叫者。
func (hub *Hub) Send(connID string, frame relay.Frame) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, exists := hub.connections[connID]
	if !exists {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		// 慢客戶端：丟棄而非阻塞整個房間
		hub.metrics.Dropped(metrics.DropQueueFull)
		hub.logger.Warn("連線緩衝區滿", "conn_id", connID)
		return false
	}
}

// Alive 連線是否仍在線
func (hub *Hub) Alive(connID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, exists := hub.connections[connID]
	return exists
}

// ConnectionCount 目前連線數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連線並等待斷線清理完成
//
// 每條連線的 readPump 會因讀取失敗而結束，照常觸發 Disconnect。
func (hub *Hub) Stop(ctx context.Context) error {
	hub.mu.Lock()
	hub.closed = true
	conns := make([]*Connection, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline)
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.logger.Info("WebSocket Hub 已停止", "closed", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register 註冊連線；Hub 已停止時回傳 false
func (hub *Hub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return false
	}
	hub.connections[c.ID] = c
	hub.wg.Add(1)
	return true
}

// unregister 取消註冊並關閉發送 channel
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.connections[c.ID]; exists && actual == c {
		delete(hub.connections, c.ID)
	}
	// 使用 sync.Once 確保 channel 只關閉一次
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
