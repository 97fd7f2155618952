package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/utils"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	UserContextKey ContextKey = "user"
)

// AuthMiddleware JWT认证中间件。token 取自 Authorization 头，
// websocket 握手时也接受 access_token 查询参数
func AuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := pslog.Ctx(r.Context())

			tokenString := BearerToken(r)
			if tokenString == "" {
				log.Debug("auth: missing bearer token", "path", r.URL.Path)
				utils.WriteUnauthorizedResponse(w, "Missing authorization header")
				return
			}

			claims, err := jwtService.ValidateToken(tokenString)
			if err != nil {
				log.Debug("auth: token rejected", "path", r.URL.Path, "err", err)
				utils.WriteUnauthorizedResponse(w, "Invalid token: "+err.Error())
				return
			}

			user := &models.Credential{
				BearerToken: tokenString,
				UserID:      claims.UserID,
				Email:       claims.Email,
			}
			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken 从请求中提取 token
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return strings.TrimSpace(tokenString)
		}
		return ""
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// GetUserFromContext 从context中获取用户信息
func GetUserFromContext(ctx context.Context) (*models.Credential, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.Credential)
	return user, ok && user != nil
}

// RequireUser 要求用户必须已认证的辅助函数
func RequireUser(ctx context.Context) (*models.Credential, error) {
	user, ok := GetUserFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("user not authenticated")
	}
	return user, nil
}
