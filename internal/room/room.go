package room

import "time"

// 系統設計問題：
//   語音房間只是一組「誰在這裡」的名單，如何保證名單與實際連線一致？
//
// 核心挑戰：
//   1. 成員以連線 ID 為鍵，顯示名稱由客戶端提供且不保證唯一
//   2. 最後一位成員離開時房間必須同步刪除，不能等清理排程
//   3. 成員名單需要固定順序，廣播時客戶端看到的列表才穩定
//
// 設計方案：
//   ✅ map + 插入順序 slice - O(1) 查找，列表依加入順序輸出
//   ✅ Room 不自帶鎖 - 所有存取都經過 Registry 的鎖

// Member 房間成員
type Member struct {
	ConnID string `json:"conn_id"`
	Name   string `json:"name"`
}

// Room 語音房間
//
// 同一連線重複加入只會覆寫名稱，保留原本的位置。
type Room struct {
	Code      string
	CreatedAt time.Time

	names map[string]string // connID -> 顯示名稱
	order []string          // 加入順序
}

// newRoom 創建空房間（只由 Registry 呼叫）
func newRoom(code string) *Room {
	return &Room{
		Code:      code,
		CreatedAt: time.Now(),
		names:     make(map[string]string),
	}
}

// add 加入或覆寫成員
func (r *Room) add(connID, name string) {
	if _, exists := r.names[connID]; !exists {
		r.order = append(r.order, connID)
	}
	r.names[connID] = name
}

// remove 移除成員，回傳是否真的移除
func (r *Room) remove(connID string) bool {
	if _, exists := r.names[connID]; !exists {
		return false
	}
	delete(r.names, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Room) has(connID string) bool {
	_, exists := r.names[connID]
	return exists
}

func (r *Room) empty() bool {
	return len(r.order) == 0
}

// displayNames 依加入順序回傳顯示名稱
func (r *Room) displayNames() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.names[id])
	}
	return out
}

// members 依加入順序回傳成員快照
func (r *Room) members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Member{ConnID: id, Name: r.names[id]})
	}
	return out
}

func (r *Room) connIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
