package relay

import (
	"bytes"
	"encoding/json"
)

// 文字訊框使用 JSON 信封：
//
//	{"event": "join-room", "ack": 3, "data": {"room": "abc-de-fg", "name": "bob"}}
//
// 二進位訊框一律視為原始音訊（audio-chunk 入、audio-play 出），內容不解析、不轉碼。

// 客戶端 → 伺服器
const (
	EventCreateRoom = "create-room"
	EventJoinRoom   = "join-room"
	EventLeaveRoom  = "leave-room"
	EventSignal     = "signal"
	EventMuteToggle = "mute-toggle"
	EventAudioChunk = "audio-chunk"
)

// 伺服器 → 客戶端
const (
	EventConnected = "connected"
	EventAck       = "ack"
	EventMembers   = "members"
	EventUserMuted = "user-muted"
	EventAudioPlay = "audio-play"
)

// Frame 送往傳輸層的一個訊框
type Frame struct {
	Binary bool
	Data   []byte
}

// Envelope 文字訊框的信封
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomRequest join-room 的內容
type JoinRoomRequest struct {
	Room string `json:"room"`
	Name string `json:"name,omitempty"`
}

// LeaveRoomRequest leave-room 的內容
type LeaveRoomRequest struct {
	Room string `json:"room"`
}

// SignalMessage 協商訊息，Data 原樣轉發
type SignalMessage struct {
	Room string          `json:"room"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

// MuteToggle 靜音切換
type MuteToggle struct {
	Room  string `json:"room"`
	Muted *bool  `json:"muted"`
}

// RoomReply create-room / join-room / leave-room 的回覆
type RoomReply struct {
	OK    bool   `json:"ok"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

// SignalRelay 轉發給接收端的協商訊息
type SignalRelay struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

// UserMuted 轉發給接收端的靜音通知
type UserMuted struct {
	From  string `json:"from"`
	Muted bool   `json:"muted"`
}

// Connected 連線建立後告知客戶端自己的連線 ID
type Connected struct {
	ID string `json:"id"`
}

// audioChunk 文字形式的音訊，只檢查 audio 是否存在，其餘欄位原樣轉發
type audioChunk struct {
	Audio []byte `json:"audio"`
}

// encodeEvent 編碼文字訊框
func encodeEvent(event string, ack uint64, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return encodeRaw(event, ack, raw)
}

func encodeRaw(event string, ack uint64, data json.RawMessage) (Frame, error) {
	b, err := json.Marshal(Envelope{Event: event, Ack: ack, Data: data})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: b}, nil
}

// decodeDisplayName create-room 接受字串、{"name": ...} 或空值
func decodeDisplayName(raw json.RawMessage) string {
	if isEmptyJSON(raw) {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
