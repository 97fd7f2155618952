package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tab-session-sync/pkg/models"
)

const (
	sessionColumns = "id,name,owner_id,is_starred,is_window_session,created_at,updated_at"
	tabColumns     = "id,session_id,title,url,tab_index,window_index,created_at"

	// 会话列表和详情都嵌入标签页和协作者
	sessionSelect = sessionColumns + ",tabs(" + tabColumns + "),collaborators(user_id,role)"
)

// currentUser 当前凭证的用户 id，取不到时为空
func (g *RESTGateway) currentUser(ctx context.Context) string {
	cred, err := g.creds.Credential(ctx)
	if err != nil {
		return ""
	}
	return cred.UserID
}

// ListSessions 获取当前用户可见的全部会话（含标签页）。
// 零值 opts 按 updated_at 倒序、不过滤。
func (g *RESTGateway) ListSessions(ctx context.Context, opts models.ListOptions) ([]models.Session, error) {
	const op = "list sessions"
	col, ok := models.ParseSortField(string(opts.SortBy))
	if !ok {
		return nil, models.NewError(models.KindInvalid, op, "cannot sort by "+string(opts.SortBy), nil)
	}
	opts.SortBy = col
	endpoint := "/sessions?select=" + sessionSelect + "&order=" + opts.Order()
	if opts.Starred != nil {
		endpoint += "&is_starred=" + eq(strconv.FormatBool(*opts.Starred))
	}
	data, err := g.makeRequest(ctx, op, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}

	userID := g.currentUser(ctx)
	rows := decodeRows(data)
	sessions := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		s := models.MapSessionRow(row)
		if s.ID == "" {
			continue
		}
		if s.Tabs == nil {
			s.Tabs = []models.Tab{}
		}
		s.IsOwner = userID != "" && s.OwnerID == userID
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// GetSession 获取单个会话及其标签页
func (g *RESTGateway) GetSession(ctx context.Context, id string) (models.Session, error) {
	const op = "get session"
	if err := requireID(op, "session id", id); err != nil {
		return models.Session{}, err
	}
	endpoint := "/sessions?id=" + eq(id) + "&select=" + sessionSelect
	data, err := g.makeRequest(ctx, op, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return models.Session{}, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return models.Session{}, models.NewError(models.KindNotFound, op, "session not found", nil)
	}
	s := models.MapSessionRow(rows[0])
	if s.Tabs == nil {
		s.Tabs = []models.Tab{}
	}
	if userID := g.currentUser(ctx); userID != "" {
		s.IsOwner = s.OwnerID == userID
	}
	return s, nil
}

// CreateSession 创建会话，然后批量写入标签页。
// 标签页写入失败时返回 *models.PartialCreateError，会话本身已存在。
func (g *RESTGateway) CreateSession(ctx context.Context, name string, isWindowSession bool, tabs []models.TabDraft) (models.Session, error) {
	const op = "create session"
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Session{}, models.NewError(models.KindInvalid, op, "session name is required", nil)
	}
	for _, t := range tabs {
		if strings.TrimSpace(t.URL) == "" {
			return models.Session{}, models.NewError(models.KindInvalid, op, "tab url is required", nil)
		}
	}

	cred, err := g.creds.Credential(ctx)
	if err != nil {
		return models.Session{}, models.NewError(models.KindUnauthorized, op, "not signed in", err)
	}

	payload := map[string]interface{}{
		"name":              name,
		"is_window_session": isWindowSession,
		"is_starred":        false,
		"owner_id":          cred.UserID,
	}
	data, err := g.makeRequest(ctx, op, http.MethodPost, "/sessions?select="+sessionColumns, payload, nil)
	if err != nil {
		return models.Session{}, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return models.Session{}, models.NewError(models.KindUnavailable, op, "backend returned no session row", nil)
	}
	session := models.MapSessionRow(rows[0])
	if session.ID == "" {
		return models.Session{}, models.NewError(models.KindUnavailable, op, "backend returned a session without id", nil)
	}
	session.Tabs = []models.Tab{}
	session.IsOwner = true
	if len(tabs) == 0 {
		return session, nil
	}

	tabRows := make([]map[string]interface{}, 0, len(tabs))
	for _, t := range tabs {
		tabRows = append(tabRows, tabPayload(session.ID, t))
	}
	data, err = g.makeRequest(ctx, "add tabs", http.MethodPost, "/tabs?select="+tabColumns, tabRows, nil)
	if err != nil {
		g.log.Warn("session created without tabs", "session", session.ID, "err", err)
		return models.Session{}, &models.PartialCreateError{SessionID: session.ID, Err: err}
	}

	created := decodeRows(data)
	if len(created) == 0 {
		// 后端没有返回行（return=minimal），回读一次
		full, err := g.GetSession(ctx, session.ID)
		if err != nil {
			return session, nil
		}
		return full, nil
	}
	for _, row := range created {
		session.Tabs = append(session.Tabs, models.MapTabRow(row, session.ID))
	}
	models.SortTabs(session.Tabs)
	return session, nil
}

// UpdateSession 部分更新会话，未提供的字段保持不变
func (g *RESTGateway) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error) {
	const op = "update session"
	if err := requireID(op, "session id", id); err != nil {
		return models.Session{}, err
	}
	if patch.IsEmpty() {
		return models.Session{}, models.NewError(models.KindInvalid, op, "empty patch", nil)
	}

	payload := map[string]interface{}{
		"updated_at": g.now().UTC(),
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return models.Session{}, models.NewError(models.KindInvalid, op, "session name is required", nil)
		}
		payload["name"] = name
	}
	if patch.IsStarred != nil {
		payload["is_starred"] = *patch.IsStarred
	}

	data, err := g.makeRequest(ctx, op, http.MethodPatch, "/sessions?id="+eq(id)+"&select="+sessionColumns, payload, nil)
	if err != nil {
		return models.Session{}, err
	}
	rows := decodeRows(data)
	if rows == nil {
		// 204：成功但没有返回表示
		return models.Session{ID: id}, nil
	}
	if len(rows) == 0 {
		return models.Session{}, models.NewError(models.KindNotFound, op, "session not found", nil)
	}
	return models.MapSessionRow(rows[0]), nil
}

// DeleteSession 删除会话（标签页由后端级联删除）。会话不存在视为成功。
func (g *RESTGateway) DeleteSession(ctx context.Context, id string) error {
	const op = "delete session"
	if err := requireID(op, "session id", id); err != nil {
		return err
	}
	_, err := g.makeRequest(ctx, op, http.MethodDelete, "/sessions?id="+eq(id), nil, nil)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}

// AddTab 向会话追加一个标签页
func (g *RESTGateway) AddTab(ctx context.Context, sessionID string, draft models.TabDraft) (models.Tab, error) {
	const op = "add tab"
	if err := requireID(op, "session id", sessionID); err != nil {
		return models.Tab{}, err
	}
	if strings.TrimSpace(draft.URL) == "" {
		return models.Tab{}, models.NewError(models.KindInvalid, op, "tab url is required", nil)
	}

	data, err := g.makeRequest(ctx, op, http.MethodPost, "/tabs?select="+tabColumns, tabPayload(sessionID, draft), nil)
	if err != nil {
		return models.Tab{}, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return models.Tab{}, models.NewError(models.KindUnavailable, op, "backend returned no tab row", nil)
	}
	tab := models.MapTabRow(rows[0], sessionID)
	if tab.ID == "" {
		return models.Tab{}, models.NewError(models.KindUnavailable, op, "backend returned a tab without id", nil)
	}
	return tab, nil
}

// UpdateTab 部分更新标签页
func (g *RESTGateway) UpdateTab(ctx context.Context, tabID string, patch models.TabPatch) (models.Tab, error) {
	const op = "update tab"
	if err := requireID(op, "tab id", tabID); err != nil {
		return models.Tab{}, err
	}
	if patch.IsEmpty() {
		return models.Tab{}, models.NewError(models.KindInvalid, op, "empty patch", nil)
	}
	payload := map[string]interface{}{}
	if patch.Title != nil {
		payload["title"] = *patch.Title
	}
	if patch.URL != nil {
		if strings.TrimSpace(*patch.URL) == "" {
			return models.Tab{}, models.NewError(models.KindInvalid, op, "tab url is required", nil)
		}
		payload["url"] = strings.TrimSpace(*patch.URL)
	}
	if patch.TabIndex != nil {
		payload["tab_index"] = *patch.TabIndex
	}
	if patch.WindowIndex != nil {
		payload["window_index"] = *patch.WindowIndex
	}

	data, err := g.makeRequest(ctx, op, http.MethodPatch, "/tabs?id="+eq(tabID)+"&select="+tabColumns, payload, nil)
	if err != nil {
		return models.Tab{}, err
	}
	rows := decodeRows(data)
	if rows == nil {
		return models.Tab{ID: tabID}, nil
	}
	if len(rows) == 0 {
		return models.Tab{}, models.NewError(models.KindNotFound, op, "tab not found", nil)
	}
	return models.MapTabRow(rows[0], ""), nil
}

// DeleteTab 删除标签页，幂等
func (g *RESTGateway) DeleteTab(ctx context.Context, tabID string) error {
	const op = "delete tab"
	if err := requireID(op, "tab id", tabID); err != nil {
		return err
	}
	_, err := g.makeRequest(ctx, op, http.MethodDelete, "/tabs?id="+eq(tabID), nil, nil)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}

// RestoreRequest 读取会话的权威标签页列表，按 (window_index, tab_index) 排序
func (g *RESTGateway) RestoreRequest(ctx context.Context, sessionID string) ([]models.Tab, error) {
	const op = "restore session"
	if err := requireID(op, "session id", sessionID); err != nil {
		return nil, err
	}
	endpoint := "/sessions?id=" + eq(sessionID) + "&select=id,tabs(" + tabColumns + ")"
	data, err := g.makeRequest(ctx, op, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return nil, models.NewError(models.KindNotFound, op, "session not found", nil)
	}
	s := models.MapSessionRow(rows[0])
	tabs := s.Tabs
	if tabs == nil {
		tabs = []models.Tab{}
	}
	models.SortTabs(tabs)
	return tabs, nil
}

func tabPayload(sessionID string, t models.TabDraft) map[string]interface{} {
	return map[string]interface{}{
		"session_id":   sessionID,
		"title":        t.Title,
		"url":          strings.TrimSpace(t.URL),
		"tab_index":    t.TabIndex,
		"window_index": t.WindowIndex,
	}
}
