package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/handlers"
	"tab-session-sync/pkg/hub"
	customMiddleware "tab-session-sync/pkg/middleware"
)

// maxBodyBytes 单个请求体上限（大会话的批量标签页写入也在此范围内）
const maxBodyBytes = 4 << 20

// NewRouter 构建开发后端：PostgREST 风格的 /rest/v1、实时推送 /realtime/v1 和开发用 /auth/v1
func NewRouter(cfg *config.Config, db database.DatabaseInterface, h *hub.Hub, logger pslog.Logger) http.Handler {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	router := chi.NewRouter()

	setupMiddleware(router, cfg, logger)
	setupRoutes(router, cfg, db, h)

	return router
}

// NewHub 创建按会话访问权限授权的 hub
func NewHub(db database.DatabaseInterface, logger pslog.Logger) *hub.Hub {
	return hub.New(logger, func(userID, sessionID string) bool {
		ok, err := db.CanAccessSession(userID, sessionID)
		if err != nil {
			logger.Warn("realtime authorization failed", "user", userID, "session", sessionID, "err", err)
			return false
		}
		return ok
	})
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, logger pslog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.Logger(logger))
	router.Use(customMiddleware.Recovery(cfg))
	router.Use(customMiddleware.CORS(cfg))

	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有路由
func setupRoutes(router *chi.Mux, cfg *config.Config, db database.DatabaseInterface, h *hub.Hub) {
	jwtService := auth.NewJWTService(cfg.Server.JWTSecret, auth.DefaultTokenTTL)

	authHandler := handlers.NewAuthHandler(cfg, db, jwtService)
	sessionHandler := handlers.NewSessionHandler(cfg, db, h)
	tabHandler := handlers.NewTabHandler(cfg, db, h)
	sharingHandler := handlers.NewSharingHandler(cfg, db)
	realtimeHandler := handlers.NewRealtimeHandler(jwtService, h)

	// 健康检查端点
	router.Get("/", authHandler.HealthCheck)
	router.Get("/health", authHandler.HealthCheck)

	// 开发环境签发 token
	if !cfg.IsProduction() {
		router.Post("/auth/v1/token", authHandler.IssueToken)
	}

	// 实时推送（websocket 连接不能加超时和压缩）
	router.With(customMiddleware.ValidateAPIKey(cfg.APIKey)).
		Get("/realtime/v1/websocket", realtimeHandler.Upgrade)

	router.Route("/rest/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(25 * time.Second))
		r.Use(middleware.Compress(5))
		r.Use(customMiddleware.ValidateAPIKey(cfg.APIKey))
		r.Use(customMiddleware.MaxBodySize(maxBodyBytes))
		r.Use(customMiddleware.ContentTypeJSON)
		r.Use(customMiddleware.AuthMiddleware(jwtService))

		r.Get("/sessions", sessionHandler.ListSessions)
		r.Post("/sessions", sessionHandler.CreateSession)
		r.Patch("/sessions", sessionHandler.UpdateSession)
		r.Delete("/sessions", sessionHandler.DeleteSession)

		r.Get("/tabs", tabHandler.ListTabs)
		r.Post("/tabs", tabHandler.CreateTabs)
		r.Patch("/tabs", tabHandler.UpdateTab)
		r.Delete("/tabs", tabHandler.DeleteTab)

		r.Get("/collaborators", sharingHandler.ListCollaborators)
		r.Post("/collaborators", sharingHandler.AddCollaborator)
		r.Delete("/collaborators", sharingHandler.RemoveCollaborator)

		r.Get("/invites", sharingHandler.GetInvite)
		r.Post("/invites", sharingHandler.CreateInvite)
		r.Patch("/invites", sharingHandler.UpdateInvite)
	})
}
