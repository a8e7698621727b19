package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/koopa0/system-design/14-voice-room/internal/metrics"
	"github.com/koopa0/system-design/14-voice-room/internal/relay"
	apperrors "github.com/koopa0/system-design/14-voice-room/pkg/errors"
)

// Connection WebSocket 連線
type Connection struct {
	ID string

	conn      *websocket.Conn
	send      chan relay.Frame
	hub       *Hub
	handler   Handler
	closeOnce sync.Once // 確保 send channel 只關閉一次
	leaveOnce sync.Once // 確保 Disconnect 只觸發一次
}

// teardown 斷線清理：先註銷（Alive 立即為 false），再通知 Handler
func (c *Connection) teardown() {
	c.leaveOnce.Do(func() {
		c.hub.unregister(c)
		c.handler.Disconnect(c.ID)
		c.conn.Close()
		c.hub.metrics.ConnectionClosed()
		c.hub.wg.Done()

		c.hub.logger.Info("WebSocket 連線關閉", "conn_id", c.ID)
	})
}

// readPump 讀取客戶端訊框
//
// 心跳機制（讀取端）：
//   - 讀取期限 PongWait，收到 Pong 時延長
//   - 超過期限未收到任何訊框（含 Pong）→ 讀取失敗 → 斷線清理
//
// 訊息速率：
//   - 每條連線一個 token bucket，超額訊框直接丟棄
func (c *Connection) readPump() {
	defer c.teardown()

	opts := c.hub.opts
	if opts.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(opts.MaxMessageBytes)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "conn_id", c.ID, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.MessagesPerSecond > 0 {
		burst := opts.MessageBurst
		if burst <= 0 {
			burst = int(opts.MessagesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), max(burst, 1))
	}

	c.handler.Connect(c.ID)

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"conn_id", c.ID,
					"error", err)
			}
			return
		}

		if !limiter.Allow() {
			c.hub.metrics.Dropped(metrics.DropRateLimited)
			c.hub.logger.Debug("超過訊息速率，丟棄訊框", "conn_id", c.ID, "error", apperrors.ErrRateLimited)
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			c.handler.HandleText(c.ID, message)
		case websocket.BinaryMessage:
			c.handler.HandleBinary(c.ID, message)
		}
	}
}

// writePump 寫入訊框到客戶端
//
// 心跳機制（發送端）：每 PingInterval 發送一次 Ping，
// 客戶端自動回覆 Pong，readPump 據此延長讀取期限。
func (c *Connection) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// Hub 關閉了通道，優雅關閉連線（忽略錯誤，連線可能已關閉）
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := c.write(frame); err != nil {
				return
			}

			// 批量發送佇列中的訊框
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.write(next); err != nil {
					c.hub.logger.Debug("發送訊框失敗", "conn_id", c.ID, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(frame relay.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(messageType, frame.Data)
}
