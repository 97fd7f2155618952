package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"tab-session-sync/pkg/config"
)

// CORS 创建CORS中间件；扩展页面的来源形如 chrome-extension://<id>
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
			http.MethodPatch,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"Prefer",
			"apikey",
			"X-Client-Info",
		},
		ExposedHeaders: []string{
			"Content-Range",
		},
		AllowCredentials: false,
		MaxAge:           300, // 5分钟
	}

	if len(corsOptions.AllowedOrigins) == 0 {
		corsOptions.AllowedOrigins = []string{"*"}
	}
	// 当AllowedOrigins为*时，不能设置AllowCredentials为true
	if !contains(corsOptions.AllowedOrigins, "*") {
		corsOptions.AllowCredentials = true
	}

	return cors.Handler(corsOptions)
}

// contains 检查切片是否包含指定的字符串
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
