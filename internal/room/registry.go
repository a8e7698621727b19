// Package room 管理語音房間的生命週期與成員名單。
//
// Registry 是純記憶體狀態，不做任何 I/O；
// 每次變更後由呼叫端（relay.Router）負責把最新名單廣播出去。
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-voice-room/pkg/errors"
)

// 預設顯示名稱
const (
	DefaultCreatorName = "creator"
	DefaultGuestName   = "guest"
)

// Registry 房間註冊表
//
// 系統設計考量：
//
//  1. 雙向索引：
//     - rooms：房間碼 → 房間（加入、廣播名單）
//     - memberships：連線 ID → 房間碼集合（斷線清理、音訊路由推導）
//     兩者在同一把鎖下更新，任何時刻都互相一致
//
//  2. 刪除即時性：
//     - 不使用 cleanupLoop：最後一位成員移除的同一個操作內就刪除房間
//     - 房間碼因此在房間刪除後立即可被重新使用
//
//  3. 冪等離開：
//     - 未知連線或重複呼叫 Leave 都是 no-op，不回傳錯誤
type Registry struct {
	rooms       map[string]*Room               // code -> Room
	memberships map[string]map[string]struct{} // connID -> set(code)
	mu          sync.RWMutex
	newCode     func() string
	logger      *slog.Logger
}

// Option 設定 Registry
type Option func(*Registry)

// WithCodeGenerator 替換房間碼生成器（測試碰撞用）
func WithCodeGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newCode = fn
	}
}

// Departure 連線離開某個房間後的結果
//
// Members 為離開後的剩餘成員；Deleted 表示房間已因清空而刪除。
type Departure struct {
	Code    string
	Members []Member
	Deleted bool
}

// Names 剩餘成員的顯示名稱
func (d Departure) Names() []string {
	out := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		out = append(out, m.Name)
	}
	return out
}

// Stats 註冊表統計
type Stats struct {
	Rooms       int `json:"total_rooms"`
	Members     int `json:"total_members"`
	Connections int `json:"connections_in_rooms"`
}

// NewRegistry 創建房間註冊表
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]struct{}),
		newCode:     GenerateCode,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom 創建房間並讓呼叫者成為第一位成員
func (r *Registry) CreateRoom(connID, name string) string {
	if name == "" {
		name = DefaultCreatorName
	}

	r.mu.Lock()
	code := r.freeCodeLocked()
	rm := newRoom(code)
	rm.add(connID, name)
	r.rooms[code] = rm
	r.trackLocked(connID, code)
	r.mu.Unlock()

	r.logger.Info("房間已創建",
		"room", code,
		"conn_id", connID,
		"name", name)

	return code
}

// JoinRoom 加入房間
//
// 房間不存在時回傳 ErrRoomNotFound，且不做任何狀態變更。
func (r *Registry) JoinRoom(code, connID, name string) error {
	code = NormalizeCode(code)
	if name == "" {
		name = DefaultGuestName
	}

	r.mu.Lock()
	rm, exists := r.rooms[code]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("join %q: %w", code, apperrors.ErrRoomNotFound)
	}
	rm.add(connID, name)
	r.trackLocked(connID, code)
	r.mu.Unlock()

	r.logger.Info("成員加入房間",
		"room", code,
		"conn_id", connID,
		"name", name)

	return nil
}

// LeaveRoom 讓連線離開單一房間
func (r *Registry) LeaveRoom(code, connID string) (Departure, error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[code]
	if !exists {
		return Departure{}, fmt.Errorf("leave %q: %w", code, apperrors.ErrRoomNotFound)
	}
	if !rm.has(connID) {
		return Departure{}, fmt.Errorf("leave %q: %w", code, apperrors.ErrNotMember)
	}

	return r.removeLocked(rm, connID), nil
}

// Leave 讓連線離開所有房間（斷線清理）
//
// 冪等：未知連線回傳空結果。
func (r *Registry) Leave(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes, exists := r.memberships[connID]
	if !exists {
		return nil
	}

	departures := make([]Departure, 0, len(codes))
	for code := range codes {
		rm, ok := r.rooms[code]
		if !ok {
			continue
		}
		departures = append(departures, r.removeLocked(rm, connID))
	}
	delete(r.memberships, connID)

	return departures
}

// MembersOf 依加入順序回傳房間成員的顯示名稱
func (r *Registry) MembersOf(code string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return nil, false
	}
	return rm.displayNames(), true
}

// Info 房間預檢資訊
type Info struct {
	Code      string
	CreatedAt time.Time
	Names     []string
}

// Info 回傳房間碼、建立時間與成員名稱
func (r *Registry) Info(code string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return Info{}, false
	}
	return Info{Code: rm.Code, CreatedAt: rm.CreatedAt, Names: rm.displayNames()}, true
}

// Members 回傳房間成員快照（含連線 ID）
func (r *Registry) Members(code string) ([]Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return nil, false
	}
	return rm.members(), true
}

// MemberIDs 回傳房間成員的連線 ID
func (r *Registry) MemberIDs(code string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[NormalizeCode(code)]
	if !exists {
		return nil, false
	}
	return rm.connIDs(), true
}

// RoomsOf 回傳連線目前所在的房間碼
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.memberships[connID]))
	for code := range r.memberships[connID] {
		codes = append(codes, code)
	}
	return codes
}

// Peers 回傳與連線共享任一房間的其他連線（去重）
//
// 音訊轉發只信任這份由伺服器追蹤的名單，不採用客戶端宣稱的房間。
func (r *Registry) Peers(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var peers []string
	for code := range r.memberships[connID] {
		rm, ok := r.rooms[code]
		if !ok {
			continue
		}
		for _, id := range rm.order {
			if id == connID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			peers = append(peers, id)
		}
	}
	return peers
}

// Exists 房間是否存在
func (r *Registry) Exists(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.rooms[NormalizeCode(code)]
	return exists
}

// Stats 獲取統計資訊
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := 0
	for _, rm := range r.rooms {
		members += len(rm.order)
	}
	return Stats{
		Rooms:       len(r.rooms),
		Members:     members,
		Connections: len(r.memberships),
	}
}

// freeCodeLocked 生成未被佔用的房間碼（需持有寫鎖）
func (r *Registry) freeCodeLocked() string {
	for {
		code := r.newCode()
		if _, taken := r.rooms[code]; !taken {
			return code
		}
		r.logger.Debug("房間碼碰撞，重新生成", "room", code)
	}
}

func (r *Registry) trackLocked(connID, code string) {
	set, exists := r.memberships[connID]
	if !exists {
		set = make(map[string]struct{})
		r.memberships[connID] = set
	}
	set[code] = struct{}{}
}

// removeLocked 移除成員，清空時同步刪除房間（需持有寫鎖）
func (r *Registry) removeLocked(rm *Room, connID string) Departure {
	rm.remove(connID)

	if set, ok := r.memberships[connID]; ok {
		delete(set, rm.Code)
		if len(set) == 0 {
			delete(r.memberships, connID)
		}
	}

	r.logger.Info("成員離開房間",
		"room", rm.Code,
		"conn_id", connID,
		"remaining", len(rm.order))

	d := Departure{Code: rm.Code, Members: rm.members()}
	if rm.empty() {
		delete(r.rooms, rm.Code)
		d.Deleted = true
		r.logger.Info("房間已移除", "room", rm.Code, "lifetime", time.Since(rm.CreatedAt))
	}
	return d
}
