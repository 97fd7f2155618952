package middleware

import (
    "net/http"
    "strings"
)

// Normalize 规范化经过代理的请求
// - 去掉路径首尾空白和多余的结尾斜杠（/rest/v1/sessions/ 与 /rest/v1/sessions 等价）
// - 从转发头恢复 scheme/host
func Normalize() func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            p := strings.TrimSpace(r.URL.Path)
            if len(p) > 1 {
                p = strings.TrimRight(p, "/")
                if p == "" {
                    p = "/"
                }
            }
            r.URL.Path = p

            if xfproto := r.Header.Get("X-Forwarded-Proto"); xfproto != "" {
                r.URL.Scheme = xfproto
            }
            if xfhost := r.Header.Get("X-Forwarded-Host"); xfhost != "" {
                r.Host = xfhost
            }
            next.ServeHTTP(w, r)
        })
    }
}
