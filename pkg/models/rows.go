package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 后端行数据（snake_case）与模型之间的转换。
// 映射是全函数：缺失或类型不符的字段取默认值，不会 panic。

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// MapSessionRow 把 sessions 行（可带嵌套 tabs）转换为 Session
func MapSessionRow(row map[string]interface{}) Session {
	s := Session{
		ID:              rowString(row, "id"),
		Name:            rowString(row, "name"),
		OwnerID:         rowString(row, "owner_id"),
		IsStarred:       rowBool(row, "is_starred"),
		IsWindowSession: rowBool(row, "is_window_session"),
		CreatedAt:       rowTime(row, "created_at"),
		UpdatedAt:       rowTime(row, "updated_at"),
	}
	if collaborators, ok := row["collaborators"].([]interface{}); ok {
		s.CollaboratorCount = len(collaborators)
	}

	raw, ok := row["tabs"]
	if !ok || raw == nil {
		return s
	}
	s.Tabs = []Tab{}
	if items, ok := raw.([]interface{}); ok {
		for _, item := range items {
			if tabRow, ok := item.(map[string]interface{}); ok {
				s.Tabs = append(s.Tabs, MapTabRow(tabRow, s.ID))
			}
		}
	}
	SortTabs(s.Tabs)
	return s
}

// MapTabRow 把 tabs 行转换为 Tab，行里没有 session_id 时使用 fallbackSessionID
func MapTabRow(row map[string]interface{}, fallbackSessionID string) Tab {
	t := Tab{
		ID:          rowString(row, "id"),
		SessionID:   rowString(row, "session_id"),
		Title:       rowString(row, "title"),
		URL:         rowString(row, "url"),
		TabIndex:    rowInt(row, "tab_index"),
		WindowIndex: rowInt(row, "window_index"),
		CreatedAt:   rowTime(row, "created_at"),
	}
	if t.SessionID == "" {
		t.SessionID = fallbackSessionID
	}
	return t
}

// MapSessionPatch 把推送的会话行转换为补丁，只包含行里出现的字段
func MapSessionPatch(row map[string]interface{}) RemoteSessionPatch {
	p := RemoteSessionPatch{ID: rowString(row, "id")}
	if v, ok := row["name"]; ok && v != nil {
		name := rowString(row, "name")
		p.Name = &name
	}
	if v, ok := row["is_starred"]; ok && v != nil {
		starred := rowBool(row, "is_starred")
		p.IsStarred = &starred
	}
	if v, ok := row["updated_at"]; ok && v != nil {
		if ts := rowTime(row, "updated_at"); !ts.IsZero() {
			p.UpdatedAt = &ts
		}
	}
	return p
}

// MapTabPatch 把 tabs 行的部分字段转换为补丁
func MapTabPatch(row map[string]interface{}) TabPatch {
	var p TabPatch
	if v, ok := row["title"]; ok && v != nil {
		title := rowString(row, "title")
		p.Title = &title
	}
	if v, ok := row["url"]; ok && v != nil {
		url := rowString(row, "url")
		p.URL = &url
	}
	if v, ok := row["tab_index"]; ok && v != nil {
		idx := rowInt(row, "tab_index")
		p.TabIndex = &idx
	}
	if v, ok := row["window_index"]; ok && v != nil {
		idx := rowInt(row, "window_index")
		p.WindowIndex = &idx
	}
	return p
}

// MapCollaboratorRow collaborators 行
func MapCollaboratorRow(row map[string]interface{}) Collaborator {
	return Collaborator{
		ID:        rowString(row, "id"),
		SessionID: rowString(row, "session_id"),
		UserID:    rowString(row, "user_id"),
		Role:      Role(strings.ToUpper(rowString(row, "role"))),
		AddedAt:   rowTime(row, "added_at"),
	}
}

// MapInviteRow invites 行
func MapInviteRow(row map[string]interface{}) Invite {
	inv := Invite{
		ID:        rowString(row, "id"),
		SessionID: rowString(row, "session_id"),
		Code:      rowString(row, "invite_code"),
		Role:      Role(strings.ToUpper(rowString(row, "role"))),
		CreatedBy: rowString(row, "created_by"),
		CreatedAt: rowTime(row, "created_at"),
		Used:      rowBool(row, "used"),
	}
	if ts := rowTime(row, "expires_at"); !ts.IsZero() {
		inv.ExpiresAt = &ts
	}
	return inv
}

// SessionRow Session -> sessions 行；withTabs 为 true 且已加载时嵌套 tabs
func SessionRow(s Session, withTabs bool) map[string]interface{} {
	row := map[string]interface{}{
		"id":                s.ID,
		"name":              s.Name,
		"owner_id":          s.OwnerID,
		"is_starred":        s.IsStarred,
		"is_window_session": s.IsWindowSession,
		"created_at":        formatTime(s.CreatedAt),
		"updated_at":        formatTime(s.UpdatedAt),
	}
	if withTabs {
		tabs := make([]interface{}, 0, len(s.Tabs))
		for _, t := range s.Tabs {
			tabs = append(tabs, TabRow(t))
		}
		row["tabs"] = tabs
	}
	return row
}

// TabRow Tab -> tabs 行
func TabRow(t Tab) map[string]interface{} {
	return map[string]interface{}{
		"id":           t.ID,
		"session_id":   t.SessionID,
		"title":        t.Title,
		"url":          t.URL,
		"tab_index":    t.TabIndex,
		"window_index": t.WindowIndex,
		"created_at":   formatTime(t.CreatedAt),
	}
}

// CollaboratorRow Collaborator -> collaborators 行
func CollaboratorRow(c Collaborator) map[string]interface{} {
	return map[string]interface{}{
		"id":         c.ID,
		"session_id": c.SessionID,
		"user_id":    c.UserID,
		"role":       string(c.Role),
		"added_at":   formatTime(c.AddedAt),
	}
}

// InviteRow Invite -> invites 行
func InviteRow(i Invite) map[string]interface{} {
	row := map[string]interface{}{
		"id":          i.ID,
		"session_id":  i.SessionID,
		"invite_code": i.Code,
		"role":        string(i.Role),
		"created_by":  i.CreatedBy,
		"created_at":  formatTime(i.CreatedAt),
		"used":        i.Used,
		"expires_at":  nil,
	}
	if i.ExpiresAt != nil {
		row["expires_at"] = formatTime(*i.ExpiresAt)
	}
	return row
}

// ParseTime 解析后端可能返回的各种时间格式，失败返回零值
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func rowString(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func rowBool(row map[string]interface{}, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	case json.Number:
		return v.String() != "0"
	}
	return false
}

func rowInt(row map[string]interface{}, key string) int {
	switch v := row[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func rowTime(row map[string]interface{}, key string) time.Time {
	switch v := row[key].(type) {
	case string:
		return ParseTime(v)
	case time.Time:
		return v.UTC()
	}
	return time.Time{}
}
