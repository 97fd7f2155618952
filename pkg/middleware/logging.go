package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"
)

// Logger 请求日志中间件：把带 request id 的 logger 放进 context，结束时记录一行
func Logger(base pslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With("req", middleware.GetReqID(r.Context()))
			ctx := pslog.ContextWithLogger(r.Context(), log)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			userInfo := "anonymous"
			if user, ok := GetUserFromContext(r.Context()); ok {
				userInfo = user.UserID
			}

			status := ww.Status()
			if status == 0 {
				// 升级为 websocket 的连接没有状态码
				status = http.StatusSwitchingProtocols
			}
			kv := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start),
				"user", userInfo,
				"ip", getClientIP(r),
			}
			if status >= 500 {
				log.Warn("request", kv...)
				return
			}
			log.Debug("request", kv...)
		})
	}
}

// getClientIP 获取客户端IP地址
func getClientIP(r *http.Request) string {
	// 检查X-Forwarded-For头（代理/负载均衡器）
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}

	// 检查X-Real-IP头
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
