// Command server 啟動語音房間的會合與中繼服務。
//
// 客戶端透過短房間碼（例如 k3x-9a-p2）找到彼此，經由同一條 WebSocket：
//   - 交換點對點連線的協商訊息（offer / answer / ICE candidate）
//   - 直連失敗時，由伺服器轉發音訊訊框
//
// # 房間生命週期
//
//   - create-room：產生房間碼，創建者成為第一位成員
//   - join-room：房間碼不存在時回覆錯誤，不會自動創建
//   - 斷線或 leave-room：成員移除，最後一位離開時房間立即刪除
//
// # 訊息路由
//
//   - signal：指定對象且仍在線 → 單播；否則廣播給同房間其他成員
//   - mute-toggle：廣播給同房間其他成員，伺服器不保存靜音狀態
//   - audio-chunk：依伺服器記錄的成員關係轉發，內容逐位元組不變
//
// # HTTP 端點
//
//	GET /ws                    WebSocket（路徑可配置）
//	GET /health                健康檢查
//	GET /stats                 房間與連線統計
//	GET /api/v1/rooms/{code}   加入前預檢
//	GET /api/v1/ice-servers    STUN/TURN 清單
//	GET /metrics               Prometheus 指標
//
// # 使用範例
//
//	go run ./cmd/server -config config.yaml -log-level debug
//
// 環境變數 PORT、LOG_LEVEL、LOG_FORMAT、ICE_SERVERS_JSON 會覆蓋配置檔，
// 命令列參數再覆蓋環境變數。
package main
