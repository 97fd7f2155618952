package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/utils"
)

// AuthHandler 开发后端的签发 token 和健康检查
type AuthHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	jwt    *auth.JWTService
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(cfg *config.Config, db database.DatabaseInterface, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{config: cfg, db: db, jwt: jwtService}
}

// IssueToken POST /auth/v1/token，为任意用户签发 access token（仅开发环境）
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		// 没有指定用户时生成一个
		tok, err := utils.GenerateURLToken(12)
		if err != nil {
			utils.WriteInternalServerErrorResponse(w, "Failed to generate user id")
			return
		}
		req.UserID = "dev-" + tok
	}

	token, expiresAt, err := h.jwt.GenerateAccessToken(req.UserID, req.Email)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to generate token")
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expiresAt,
		"user": map[string]interface{}{
			"id":    req.UserID,
			"email": req.Email,
		},
	})
}

// HealthCheck 健康检查
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := h.db.HealthCheck(); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"service":     "tab-session-sync",
		"version":     "1.0.0",
		"environment": h.config.Environment,
		"database":    h.databaseType(),
		"db_status":   dbStatus,
		"timestamp":   time.Now().Unix(),
		"status":      "healthy",
	})
}

// databaseType 获取数据库类型
func (h *AuthHandler) databaseType() string {
	if h.config.Server.PostgresDSN != "" {
		return "postgresql"
	}
	return "memory"
}
