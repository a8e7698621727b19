// Package config 載入服務配置：YAML 檔案 → 環境變數覆蓋 → 驗證。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-voice-room/internal/logger"
)

// 環境變數
const (
	EnvPort           = "PORT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvICEServersJSON = "ICE_SERVERS_JSON"
	EnvStunURLs       = "STUN_URLS"
	EnvTurnURLs       = "TURN_URLS"
	EnvTurnUsername   = "TURN_USERNAME"
	EnvTurnCredential = "TURN_CREDENTIAL"
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Limits    LimitsConfig    `yaml:"limits"`

	// ICEServers 提供給客戶端建立點對點連線的 STUN/TURN 伺服器
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// ServerConfig HTTP 伺服器
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebSocketConfig WebSocket 連線參數
type WebSocketConfig struct {
	Path                 string        `yaml:"path"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes"`
	SendBuffer           int           `yaml:"send_buffer"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongWait             time.Duration `yaml:"pong_wait"`
	WriteWait            time.Duration `yaml:"write_wait"`
	MaxMessagesPerSecond float64       `yaml:"max_messages_per_second"` // 0 = 不限速
	MessageBurst         int           `yaml:"message_burst"`
	AllowedOrigins       []string      `yaml:"allowed_origins"` // 空或含 "*" = 全部允許
}

// LimitsConfig 每個來源 IP 的連線速率
type LimitsConfig struct {
	ConnectsPerSecond float64       `yaml:"connects_per_second"` // 0 = 不限流
	ConnectBurst      int           `yaml:"connect_burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// Default 預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              3000,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		WebSocket: WebSocketConfig{
			Path:                 "/ws",
			MaxMessageBytes:      1 << 20,
			SendBuffer:           256,
			PingInterval:         54 * time.Second,
			PongWait:             60 * time.Second,
			WriteWait:            10 * time.Second,
			MaxMessagesPerSecond: 200,
			MessageBurst:         400,
			AllowedOrigins:       []string{"*"},
		},
		Limits: LimitsConfig{
			ConnectsPerSecond: 2,
			ConnectBurst:      20,
			IdleTTL:           10 * time.Minute,
		},
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Load 載入配置
//
// path 為空時只使用預設值與環境變數；檔案中未出現的欄位保留預設值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}

	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	servers, err := parseICEServersFromValues(
		get(EnvICEServersJSON),
		get(EnvStunURLs),
		get(EnvTurnURLs),
		get(EnvTurnUsername),
		get(EnvTurnCredential),
	)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		c.ICEServers = servers
	}
	return nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: must be 1-65535, got %d", c.Server.Port))
	}
	if !logger.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	ws := c.WebSocket
	if !strings.HasPrefix(ws.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path: must start with /, got %q", ws.Path))
	}
	if ws.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("websocket.max_message_bytes: must be positive"))
	}
	if ws.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer: must be positive"))
	}
	if ws.PongWait <= 0 || ws.PingInterval <= 0 || ws.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket: ping_interval, pong_wait and write_wait must be positive"))
	} else if ws.PingInterval >= ws.PongWait {
		// Ping 必須在讀取期限前送達，否則健康連線也會超時
		errs = append(errs, fmt.Errorf("websocket.ping_interval (%s) must be shorter than pong_wait (%s)", ws.PingInterval, ws.PongWait))
	}
	if ws.MaxMessagesPerSecond < 0 {
		errs = append(errs, errors.New("websocket.max_messages_per_second: must not be negative"))
	}

	if c.Limits.ConnectsPerSecond < 0 {
		errs = append(errs, errors.New("limits.connects_per_second: must not be negative"))
	}

	for i, s := range c.ICEServers {
		if err := validateICEServer(s.WebRTC()); err != nil {
			errs = append(errs, fmt.Errorf("ice_servers[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// OriginAllowed 檢查瀏覽器來源是否允許建立 WebSocket
//
// 沒有 Origin 標頭（原生客戶端）一律允許。
func (w WebSocketConfig) OriginAllowed(origin string) bool {
	if origin == "" || w.AllowAllOrigins() {
		return true
	}
	for _, allowed := range w.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// AllowAllOrigins 是否未限制來源
func (w WebSocketConfig) AllowAllOrigins() bool {
	if len(w.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range w.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
