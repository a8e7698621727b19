package limiter

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// RateLimiterFunc 限流函數介面
type RateLimiterFunc func(ctx context.Context, key string) (bool, error)

// RateLimitConfig 限流中介軟體設定
type RateLimitConfig struct {
	// KeyFunc 從請求提取限流 key，預設為客戶端 IP
	KeyFunc func(r *http.Request) string

	// Limiter 限流器函數
	Limiter RateLimiterFunc

	// OnRateLimited 限流觸發時的處理，預設回傳 429
	OnRateLimited http.HandlerFunc

	Logger *slog.Logger
}

// RateLimit 建立限流中介軟體
//
// 使用範例：
//
//	connects := limiter.NewKeyedLimiter(2, 10, 10*time.Minute)
//	mux.Handle("GET /ws", limiter.RateLimit(limiter.RateLimitConfig{
//	    Limiter: connects.Allow,
//	})(http.HandlerFunc(hub.ServeWS)))
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIP
	}
	if config.OnRateLimited == nil {
		config.OnRateLimited = defaultRateLimitedHandler
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.KeyFunc(r)

			ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
			defer cancel()

			allowed, err := config.Limiter(ctx, key)
			if err != nil {
				// 可用性優先：限流器出錯時放行
				if config.Logger != nil {
					config.Logger.Warn("限流檢查失敗，放行請求", "key", key, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				if config.Logger != nil {
					config.Logger.Debug("請求被限流", "key", key, "path", r.URL.Path)
				}
				config.OnRateLimited(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取出請求來源 IP（不含埠號）
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func defaultRateLimitedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
}
