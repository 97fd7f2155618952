package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/utils"
)

// Recovery 恢复中间件，处理panic并返回PostgREST格式的错误
func Recovery(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					stack := debug.Stack()
					pslog.Ctx(r.Context()).Error("panic", "err", err, "path", r.URL.Path, "stack", string(stack))

					if cfg.IsDevelopment() {
						// 开发环境：显示详细错误信息
						utils.WriteErrorResponseWithCode(w, http.StatusInternalServerError,
							utils.CodeInternal,
							fmt.Sprintf("Internal server error: %v", err),
							string(stack))
						return
					}
					utils.WriteInternalServerErrorResponse(w, "Internal server error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
