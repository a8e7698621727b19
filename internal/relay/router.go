// Package relay 實作語音房間的訊息路由。
//
// Router 依訊息種類決定單播（指定連線）或廣播（同房間其他成員），
// 成員變更透過 room.Registry 完成，實際送出交給 Transport。
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/koopa0/system-design/14-voice-room/internal/metrics"
	"github.com/koopa0/system-design/14-voice-room/internal/room"
	apperrors "github.com/koopa0/system-design/14-voice-room/pkg/errors"
)

// 系統設計問題：
//   多個短生命週期的連線同時加入、協商、斷線，如何保證路由正確？
//
// 核心挑戰：
//   1. 單播 vs 廣播：協商訊息知道對象時只送對象，否則送全房間
//   2. 目標失效：對象可能在訊息送達前斷線
//   3. 信任邊界：高頻音訊不能信任客戶端宣稱的房間
//   4. 斷線清理：必須恰好一次且完整，不能留下殘缺名單
//
// 設計方案：
//   ✅ 單一分派鎖 - 每個事件（名單變更 + 所有發送）完整執行後才處理下一個
//   ✅ 送出前重新檢查存活 - 失效目標降級為房間廣播
//   ✅ 音訊目的地由 Registry.Peers 推導
//   ✅ 每個事件各自 recover - 單一連線的異常不影響其他連線

// Transport 傳輸層需要提供的能力
//
// Send 只負責排入發送佇列（fire-and-forget），
// 連線不存在或佇列已滿時回傳 false。
type Transport interface {
	Send(connID string, frame Frame) bool
	Alive(connID string) bool
}

// Router 訊息路由器
type Router struct {
	mu        sync.Mutex // 分派鎖：模擬單一事件迴圈
	rooms     *room.Registry
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRouter 創建路由器
func NewRouter(rooms *room.Registry, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		rooms:     rooms,
		transport: transport,
		metrics:   m,
		logger:    logger,
	}
}

// Connect 告知新連線自己的 ID
func (r *Router) Connect(connID string) {
	defer r.recoverEvent(connID, EventConnected)

	frame, err := encodeEvent(EventConnected, 0, Connected{ID: connID})
	if err != nil {
		r.logger.Error("編碼訊息失敗", "event", EventConnected, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(EventConnected, frame, []string{connID})
}

// HandleText 處理文字訊框
func (r *Router) HandleText(connID string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		r.drop(connID, "", metrics.DropEmptyPayload, apperrors.ErrEmptyPayload)
		return
	}

	defer r.recoverEvent(connID, env.Event)

	var err error
	switch env.Event {
	case EventCreateRoom:
		r.CreateRoom(connID, env.Ack, decodeDisplayName(env.Data))

	case EventJoinRoom:
		var req JoinRoomRequest
		if err = decodeData(env.Data, &req); err == nil {
			_ = r.JoinRoom(connID, env.Ack, req)
		} else {
			r.reject(connID, env.Ack, err)
		}

	case EventLeaveRoom:
		var req LeaveRoomRequest
		if err = decodeData(env.Data, &req); err == nil {
			_ = r.LeaveRoom(connID, env.Ack, req)
		} else {
			r.reject(connID, env.Ack, err)
		}

	case EventSignal:
		var msg SignalMessage
		if err = decodeData(env.Data, &msg); err == nil {
			err = r.Signal(connID, msg)
		}

	case EventMuteToggle:
		var msg MuteToggle
		if err = decodeData(env.Data, &msg); err == nil {
			err = r.MuteToggle(connID, msg)
		}

	case EventAudioChunk:
		err = r.audioText(connID, env.Data)

	default:
		r.drop(connID, env.Event, metrics.DropUnknownEvent, nil)
		return
	}

	if err != nil {
		r.drop(connID, env.Event, dropReason(err), err)
	}
}

// HandleBinary 處理二進位訊框（原始音訊）
func (r *Router) HandleBinary(connID string, data []byte) {
	defer r.recoverEvent(connID, EventAudioChunk)

	if err := r.AudioChunk(connID, Frame{Binary: true, Data: data}); err != nil {
		r.drop(connID, EventAudioChunk, dropReason(err), err)
	}
}

// CreateRoom 創建房間：回覆房間碼，再廣播成員名單
func (r *Router) CreateRoom(connID string, ack uint64, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := r.rooms.CreateRoom(connID, name)
	r.metrics.RoomCreated()

	r.reply(connID, ack, RoomReply{OK: true, Room: code})
	r.broadcastMembers(code)
	return code
}

// JoinRoom 加入房間：失敗時只回覆錯誤，不廣播、不變更狀態
func (r *Router) JoinRoom(connID string, ack uint64, req JoinRoomRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := room.NormalizeCode(req.Room)
	if err := r.rooms.JoinRoom(code, connID, req.Name); err != nil {
		r.reply(connID, ack, RoomReply{OK: false, Error: apperrors.Message(err)})
		return err
	}

	r.reply(connID, ack, RoomReply{OK: true, Room: code})
	r.broadcastMembers(code)
	return nil
}

// LeaveRoom 主動離開單一房間
func (r *Router) LeaveRoom(connID string, ack uint64, req LeaveRoomRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dep, err := r.rooms.LeaveRoom(req.Room, connID)
	if err != nil {
		r.reply(connID, ack, RoomReply{OK: false, Error: apperrors.Message(err)})
		return err
	}

	r.reply(connID, ack, RoomReply{OK: true, Room: dep.Code})
	r.settle(dep)
	return nil
}

// Signal 轉發協商訊息
//
// 有目標且目標仍在線 → 只送目標；
// 沒有目標或目標已斷線 → 廣播給房間內除發送者外的所有成員。
func (r *Router) Signal(connID string, msg SignalMessage) error {
	if isEmptyJSON(msg.Data) {
		return apperrors.ErrEmptyPayload.WithDetails("signal without data")
	}

	frame, err := encodeEvent(EventSignal, 0, SignalRelay{From: connID, Data: msg.Data})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode signal")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.To != "" {
		if r.transport.Alive(msg.To) {
			// 目標在線但佇列已滿時由傳輸層計數丟棄，不改為廣播
			r.emit(EventSignal, frame, []string{msg.To})
			return nil
		}
		r.logger.Debug("單播目標已失效，改為房間廣播",
			"conn_id", connID,
			"to", msg.To,
			"room", msg.Room,
			"error", apperrors.ErrStaleTarget)
	}

	if msg.Room == "" {
		return apperrors.ErrEmptyPayload.WithDetails("signal without room or live target")
	}
	ids, ok := r.rooms.MemberIDs(msg.Room)
	if !ok {
		return fmt.Errorf("signal to %q: %w", msg.Room, apperrors.ErrRoomNotFound)
	}
	r.emit(EventSignal, frame, except(ids, connID))
	return nil
}

// MuteToggle 廣播靜音狀態（不保存）
func (r *Router) MuteToggle(connID string, msg MuteToggle) error {
	if msg.Room == "" || msg.Muted == nil {
		return apperrors.ErrEmptyPayload.WithDetails("mute-toggle without room or muted")
	}

	frame, err := encodeEvent(EventUserMuted, 0, UserMuted{From: connID, Muted: *msg.Muted})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode user-muted")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.rooms.MemberIDs(msg.Room)
	if !ok {
		return fmt.Errorf("mute-toggle in %q: %w", msg.Room, apperrors.ErrRoomNotFound)
	}
	r.emit(EventUserMuted, frame, except(ids, connID))
	return nil
}

// AudioChunk 轉發音訊訊框給與發送者共享任一房間的所有其他連線
//
// 目的地只由伺服器追蹤的成員關係決定；內容逐位元組原樣轉發。
func (r *Router) AudioChunk(connID string, frame Frame) error {
	if len(frame.Data) == 0 {
		return apperrors.ErrEmptyPayload.WithDetails("empty audio frame")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peers := r.rooms.Peers(connID)
	if len(peers) == 0 && len(r.rooms.RoomsOf(connID)) == 0 {
		return fmt.Errorf("audio from %s: %w", connID, apperrors.ErrNotMember)
	}
	r.emit(EventAudioPlay, frame, peers)
	return nil
}

// audioText 文字形式的音訊：檢查 audio 欄位後，將 data 原樣包成 audio-play
func (r *Router) audioText(connID string, data json.RawMessage) error {
	var chunk audioChunk
	if err := decodeData(data, &chunk); err != nil {
		return err
	}
	if len(chunk.Audio) == 0 {
		return apperrors.ErrEmptyPayload.WithDetails("audio-chunk without audio")
	}

	frame, err := encodeRaw(EventAudioPlay, 0, data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode audio-play")
	}
	return r.AudioChunk(connID, frame)
}

// Disconnect 斷線清理：離開所有房間、廣播剩餘名單、刪除空房間
//
// 冪等：重複呼叫不會重複廣播。
func (r *Router) Disconnect(connID string) {
	defer r.recoverEvent(connID, "disconnect")

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range r.rooms.Leave(connID) {
		r.settle(dep)
	}
}

// settle 成員離開後：刪除計數或廣播剩餘名單（需持有分派鎖）
func (r *Router) settle(dep room.Departure) {
	if dep.Deleted {
		r.metrics.RoomDeleted()
		return
	}
	r.sendMembers(dep.Members)
}

// broadcastMembers 廣播房間目前名單（需持有分派鎖）
func (r *Router) broadcastMembers(code string) {
	members, ok := r.rooms.Members(code)
	if !ok {
		return
	}
	r.sendMembers(members)
}

func (r *Router) sendMembers(members []room.Member) {
	names := make([]string, 0, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
		ids = append(ids, m.ConnID)
	}

	frame, err := encodeEvent(EventMembers, 0, names)
	if err != nil {
		r.logger.Error("編碼訊息失敗", "event", EventMembers, "error", err)
		return
	}
	r.emit(EventMembers, frame, ids)
}

// reject 請求無法解析時仍回覆失敗，客戶端的 ack 不會懸空
func (r *Router) reject(connID string, ack uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply(connID, ack, RoomReply{OK: false, Error: apperrors.Message(err)})
}

// reply 回覆發送者（需持有分派鎖）
func (r *Router) reply(connID string, ack uint64, resp RoomReply) {
	frame, err := encodeEvent(EventAck, ack, resp)
	if err != nil {
		r.logger.Error("編碼訊息失敗", "event", EventAck, "error", err)
		return
	}
	r.emit(EventAck, frame, []string{connID})
}

// emit 將訊框排入每個目標的發送佇列，回傳成功排入的數量
func (r *Router) emit(event string, frame Frame, targets []string) int {
	sent := 0
	for _, id := range targets {
		if r.transport.Send(id, frame) {
			sent++
		}
	}
	r.metrics.Relayed(event, sent)
	return sent
}

// dropReason 依錯誤分類對應丟棄原因
func dropReason(err error) string {
	switch {
	case apperrors.IsNotFound(err):
		return metrics.DropNoRoom
	case apperrors.IsInvalidInput(err):
		return metrics.DropEmptyPayload
	default:
		return metrics.DropInternal
	}
}

func (r *Router) drop(connID, event, reason string, err error) {
	r.metrics.Dropped(reason)
	r.logger.Debug("丟棄訊息",
		"conn_id", connID,
		"event", event,
		"reason", reason,
		"error", err)
}

// recoverEvent 單一事件 panic 時記錄並吞掉，避免影響其他連線
func (r *Router) recoverEvent(connID, event string) {
	if rec := recover(); rec != nil {
		r.logger.Error("處理事件時發生 panic",
			"conn_id", connID,
			"event", event,
			"error", rec,
			"stack", string(debug.Stack()))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if isEmptyJSON(raw) {
		return apperrors.ErrEmptyPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode data")
	}
	return nil
}

func except(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
