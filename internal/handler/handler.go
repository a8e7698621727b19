// Package handler 提供中繼服務的 HTTP 查詢端點。
//
// 房間的建立與加入只走 WebSocket；HTTP 端點只讀，
// 用於健康檢查、監控與客戶端加入前的預檢。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/koopa0/system-design/14-voice-room/internal/room"
	apperrors "github.com/koopa0/system-design/14-voice-room/pkg/errors"
)

// ConnectionCounter 回報目前的連線數
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler HTTP 請求處理器
type Handler struct {
	rooms      *room.Registry
	conns      ConnectionCounter
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
	started    time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(rooms *room.Registry, conns ConnectionCounter, iceServers []webrtc.ICEServer, logger *slog.Logger) *Handler {
	return &Handler{
		rooms:      rooms,
		conns:      conns,
		iceServers: iceServers,
		logger:     logger,
		started:    time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/rooms/{code}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/ice-servers", wrap(h.iceServerList))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// StatsResponse /stats 回應
type StatsResponse struct {
	room.Stats
	Connections   int   `json:"connections"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// RoomResponse /api/v1/rooms/{code} 回應
type RoomResponse struct {
	Room        string    `json:"room"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// getRoom 加入前預檢：房間是否存在、目前人數、建立時間
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	code := room.NormalizeCode(r.PathValue("code"))
	if !room.ValidCode(code) {
		h.errorResponse(w, "無效的房間碼", http.StatusBadRequest)
		return
	}

	info, ok := h.rooms.Info(code)
	if !ok {
		h.errorResponse(w, apperrors.ErrRoomNotFound.Message, http.StatusNotFound)
		return
	}

	h.jsonResponse(w, RoomResponse{
		Room:        info.Code,
		MemberCount: len(info.Names),
		CreatedAt:   info.CreatedAt,
	}, http.StatusOK)
}

// iceServerList 客戶端建立點對點連線用的 STUN/TURN 清單
//
// 每筆以 RTCIceServer 格式輸出（含 credentialType），可直接交給 RTCPeerConnection。
func (h *Handler) iceServerList(w http.ResponseWriter, r *http.Request) {
	servers := h.iceServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	w.Header().Set("Cache-Control", "no-store")
	h.jsonResponse(w, map[string]any{
		"ice_servers": servers,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Stats:         h.rooms.Stats(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.conns != nil {
		resp.Connections = h.conns.ConnectionCount()
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Debug("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
