package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
	"tab-session-sync/pkg/utils"
)

// Publisher 把行变更推送给订阅者（由 hub 实现）
type Publisher interface {
	PublishChange(sessionID string, change realtime.Change)
}

// 查询参数中不是列过滤的保留字
var reservedParams = map[string]bool{
	"select": true,
	"order":  true,
	"limit":  true,
	"offset": true,
	"apikey": true,
}

// restQuery 解析后的 PostgREST 查询：只支持 col=eq.value
type restQuery struct {
	filters map[string]string
	selects string
}

// parseQuery 解析查询参数，未列出的列或 eq 以外的操作符返回错误
func parseQuery(r *http.Request, allowed ...string) (restQuery, error) {
	q := restQuery{filters: make(map[string]string), selects: utils.GetQueryParam(r, "select", "*")}
	allow := make(map[string]bool, len(allowed))
	for _, col := range allowed {
		allow[col] = true
	}
	for key, values := range r.URL.Query() {
		if reservedParams[key] {
			continue
		}
		if !allow[key] {
			return q, fmt.Errorf("unsupported filter column %q", key)
		}
		value := values[0]
		if !strings.HasPrefix(value, "eq.") {
			return q, fmt.Errorf("unsupported operator in filter %q", key)
		}
		q.filters[key] = strings.TrimPrefix(value, "eq.")
	}
	return q, nil
}

// embedsTabs select 中是否要求嵌套 tabs
func (q restQuery) embedsTabs() bool {
	return strings.Contains(q.selects, "tabs(")
}

// embedsCollaborators select 中是否要求嵌套 collaborators
func (q restQuery) embedsCollaborators() bool {
	return strings.Contains(q.selects, "collaborators(")
}

// parseOrder 解析 order=col.asc|col.desc；缺省为 def 倒序
func parseOrder(r *http.Request, def string, allowed ...string) (string, bool, error) {
	raw := r.URL.Query().Get("order")
	if raw == "" {
		return def, false, nil
	}
	col, dir, _ := strings.Cut(raw, ".")
	if !slices.Contains(allowed, col) {
		return "", false, fmt.Errorf("cannot order by %q", col)
	}
	switch dir {
	case "", "asc":
		return col, true, nil
	case "desc":
		return col, false, nil
	}
	return "", false, fmt.Errorf("unsupported order direction %q", dir)
}

// parseRows 解析请求体：单个对象或对象数组
func parseRows(r *http.Request) ([]map[string]interface{}, error) {
	var body interface{}
	if err := utils.ParseJSONBody(r, &body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("request body is required")
		}
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	switch v := body.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("array items must be objects")
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("body must be an object or an array of objects")
}

// preferMinimal 客户端是否请求 return=minimal
func preferMinimal(r *http.Request) bool {
	for _, v := range r.Header.Values("Prefer") {
		if strings.Contains(v, "return=minimal") {
			return true
		}
	}
	return false
}

// respondRows 按 Prefer 写出行；minimal 时只写状态码
func respondRows(w http.ResponseWriter, r *http.Request, status int, rows []map[string]interface{}) {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	if preferMinimal(r) && r.Method != http.MethodGet {
		if status == http.StatusOK {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return
	}
	utils.WriteJSONResponse(w, status, rows)
}

// writeDBError 把数据库错误映射为 PostgREST 错误响应
func writeDBError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, database.ErrConflict):
		utils.WriteConflictResponse(w, utils.CodeUniqueKey, database.ErrConflict.Error())
	case errors.Is(err, database.ErrForeignKey):
		utils.WriteConflictResponse(w, utils.CodeForeignKey, database.ErrForeignKey.Error())
	case errors.Is(err, database.ErrNotFound):
		utils.WriteNotFoundResponse(w, "The result contains 0 rows")
	default:
		pslog.Ctx(r.Context()).Error("database error", "op", op, "err", err)
		utils.WriteInternalServerErrorResponse(w, "Failed to "+op)
	}
}

// sessionRole 返回用户在会话中的角色；会话不存在或不可见时 ok 为 false
func sessionRole(db database.DatabaseInterface, userID, sessionID string) (models.Role, bool, error) {
	sessions, err := db.ListSessions(userID, sessionID)
	if err != nil {
		return "", false, err
	}
	if len(sessions) == 0 {
		return "", false, nil
	}
	if sessions[0].OwnerID == userID {
		return models.RoleOwner, true, nil
	}
	collaborators, err := db.ListCollaborators(sessionID)
	if err != nil {
		return "", false, err
	}
	for _, c := range collaborators {
		if c.UserID == userID {
			return c.Role, true, nil
		}
	}
	return "", false, nil
}

func canWrite(role models.Role) bool {
	return role == models.RoleOwner || role == models.RoleEditor
}

func rowsOf[T any](items []T, toRow func(T) map[string]interface{}) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		rows = append(rows, toRow(item))
	}
	return rows
}
