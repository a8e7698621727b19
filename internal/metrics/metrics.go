// Package metrics 匯出中繼服務的 Prometheus 指標。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 丟棄原因
const (
	DropRateLimited  = "rate_limited"
	DropEmptyPayload = "empty_payload"
	DropNoRoom       = "no_room"
	DropQueueFull    = "queue_full"
	DropUnknownEvent = "unknown_event"
	DropInternal     = "internal_error"
)

// Metrics 中繼服務指標
//
// 使用獨立的 Registry 而非全域 DefaultRegisterer，
// 測試中可以建立多個實例互不干擾。
// 所有方法對 nil 接收者安全，未配置指標時直接略過。
type Metrics struct {
	registry *prometheus.Registry

	roomsCreated prometheus.Counter
	roomsDeleted prometheus.Counter
	activeRooms  prometheus.Gauge
	connections  prometheus.Gauge
	relayed      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
}

// New 創建並註冊指標
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voice_room",
			Name:      "rooms_created_total",
			Help:      "Rooms created since start.",
		}),
		roomsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voice_room",
			Name:      "rooms_deleted_total",
			Help:      "Rooms deleted after their last member left.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voice_room",
			Name:      "active_rooms",
			Help:      "Rooms currently alive.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voice_room",
			Name:      "active_connections",
			Help:      "WebSocket connections currently open.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice_room",
			Name:      "messages_relayed_total",
			Help:      "Outbound messages enqueued, by event.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice_room",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.roomsCreated,
		m.roomsDeleted,
		m.activeRooms,
		m.connections,
		m.relayed,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler 以 Prometheus 文字格式輸出 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RoomCreated 記錄房間創建
func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
	m.activeRooms.Inc()
}

// RoomDeleted 記錄房間刪除
func (m *Metrics) RoomDeleted() {
	if m == nil {
		return
	}
	m.roomsDeleted.Inc()
	m.activeRooms.Dec()
}

// ConnectionOpened 記錄連線建立
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed 記錄連線關閉
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Relayed 記錄送出的訊息數
func (m *Metrics) Relayed(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayed.WithLabelValues(event).Add(float64(n))
}

// Dropped 記錄丟棄的訊息
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
