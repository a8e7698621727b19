package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/koopa0/system-design/14-voice-room/internal/config"
	"github.com/koopa0/system-design/14-voice-room/internal/handler"
	"github.com/koopa0/system-design/14-voice-room/internal/limiter"
	"github.com/koopa0/system-design/14-voice-room/internal/logger"
	"github.com/koopa0/system-design/14-voice-room/internal/metrics"
	"github.com/koopa0/system-design/14-voice-room/internal/relay"
	"github.com/koopa0/system-design/14-voice-room/internal/room"
	"github.com/koopa0/system-design/14-voice-room/internal/ws"
)

func main() {
	// 解析命令行參數（有指定時覆蓋配置檔與環境變數）
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	// .env 不存在不是錯誤
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("載入 .env 失敗", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("載入配置失敗", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("配置無效", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	registry := room.NewRegistry(log)

	// Hub 是 Router 的 Transport，Router 是 Hub 的 Handler
	hub := ws.NewHub(wsOptions(cfg), m, log)
	router := relay.NewRouter(registry, hub, m, log)
	hub.SetHandler(router)

	connects := limiter.NewKeyedLimiter(cfg.Limits.ConnectsPerSecond, cfg.Limits.ConnectBurst, cfg.Limits.IdleTTL)
	go connects.Run(ctx)

	api := handler.NewHandler(registry, hub, cfg.WebRTCICEServers(), log)

	// 設置路由
	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("GET "+cfg.WebSocket.Path, limiter.RateLimit(limiter.RateLimitConfig{
		Limiter: connects.Allow,
		Logger:  log,
	})(http.HandlerFunc(hub.ServeWS)))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("語音房間服務器啟動",
			"addr", server.Addr,
			"ws_path", cfg.WebSocket.Path,
			"log_level", cfg.Log.Level,
			"ice_servers", len(cfg.ICEServers))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中斷信號或啟動失敗
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("收到關閉信號，開始優雅關閉...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連線（已升級的 WebSocket 不受 Shutdown 影響）
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
		if closeErr := server.Close(); closeErr != nil {
			log.Error("強制關閉服務器失敗", "error", closeErr)
		}
	}

	// 關閉所有 WebSocket，每條連線照常執行斷線清理
	if err := hub.Stop(shutdownCtx); err != nil {
		log.Error("WebSocket Hub 關閉逾時", "error", err)
	}

	log.Info("服務器已關閉", "rooms_left", registry.Stats().Rooms)
	return nil
}

// wsOptions 將配置轉為連線參數
func wsOptions(cfg *config.Config) ws.Options {
	wsCfg := cfg.WebSocket
	opts := ws.Options{
		MaxMessageBytes:   wsCfg.MaxMessageBytes,
		SendBuffer:        wsCfg.SendBuffer,
		PingInterval:      wsCfg.PingInterval,
		PongWait:          wsCfg.PongWait,
		WriteWait:         wsCfg.WriteWait,
		MessagesPerSecond: wsCfg.MaxMessagesPerSecond,
		MessageBurst:      wsCfg.MessageBurst,
	}
	if !wsCfg.AllowAllOrigins() {
		opts.CheckOrigin = func(r *http.Request) bool {
			return wsCfg.OriginAllowed(r.Header.Get("Origin"))
		}
	}
	return opts
}
