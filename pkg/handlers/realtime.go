package handlers

import (
	"net/http"

	"github.com/gobwas/ws"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/hub"
	"tab-session-sync/pkg/middleware"
	"tab-session-sync/pkg/utils"
)

// RealtimeHandler GET /realtime/v1/websocket
type RealtimeHandler struct {
	jwt *auth.JWTService
	hub *hub.Hub
}

// NewRealtimeHandler 创建实时推送处理器
func NewRealtimeHandler(jwtService *auth.JWTService, h *hub.Hub) *RealtimeHandler {
	return &RealtimeHandler{jwt: jwtService, hub: h}
}

// Upgrade 校验 token 后升级为 websocket，连接由 hub 接管直到断开
func (h *RealtimeHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	log := pslog.Ctx(r.Context())

	token := middleware.BearerToken(r)
	if token == "" {
		utils.WriteUnauthorizedResponse(w, "Missing access token")
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		log.Debug("realtime: token rejected", "err", err)
		utils.WriteUnauthorizedResponse(w, "Invalid token: "+err.Error())
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn("realtime: upgrade failed", "err", err)
		return
	}
	log.Debug("realtime: connected", "user", claims.UserID)
	h.hub.Serve(r.Context(), conn, claims.UserID)
	log.Debug("realtime: disconnected", "user", claims.UserID)
}
