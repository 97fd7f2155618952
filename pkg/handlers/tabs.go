package handlers

import (
	"errors"
	"net/http"
	"strings"

	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/middleware"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
	"tab-session-sync/pkg/utils"
)

// TabHandler /rest/v1/tabs
type TabHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	pub    Publisher
}

// NewTabHandler 创建标签页处理器
func NewTabHandler(cfg *config.Config, db database.DatabaseInterface, pub Publisher) *TabHandler {
	return &TabHandler{config: cfg, db: db, pub: pub}
}

// ListTabs GET /rest/v1/tabs?session_id=eq.<id> 或 ?id=eq.<id>
func (h *TabHandler) ListTabs(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "id", "session_id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	filter := database.TabFilter{ID: q.filters["id"], SessionID: q.filters["session_id"]}
	if filter.ID == "" && filter.SessionID == "" {
		utils.WriteBadRequestResponse(w, "id or session_id filter is required")
		return
	}

	tabs, err := h.db.ListTabs(filter)
	if err != nil {
		writeDBError(w, r, "list tabs", err)
		return
	}
	visible := make([]models.Tab, 0, len(tabs))
	access := make(map[string]bool)
	for _, t := range tabs {
		ok, seen := access[t.SessionID]
		if !seen {
			ok, err = h.db.CanAccessSession(user.UserID, t.SessionID)
			if err != nil {
				writeDBError(w, r, "list tabs", err)
				return
			}
			access[t.SessionID] = ok
		}
		if ok {
			visible = append(visible, t)
		}
	}
	respondRows(w, r, http.StatusOK, rowsOf(visible, models.TabRow))
}

// CreateTabs POST /rest/v1/tabs，单个对象或数组
func (h *TabHandler) CreateTabs(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	body, err := parseRows(r)
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}

	tabs := make([]models.Tab, 0, len(body))
	roles := make(map[string]models.Role)
	for _, row := range body {
		t := models.MapTabRow(row, "")
		t.URL = strings.TrimSpace(t.URL)
		if t.SessionID == "" {
			utils.WriteValidationErrorResponse(w, "session_id is required", `null value in column "session_id"`)
			return
		}
		if t.URL == "" {
			utils.WriteValidationErrorResponse(w, "tab url is required", `null value in column "url"`)
			return
		}
		if _, seen := roles[t.SessionID]; !seen {
			role, ok, err := sessionRole(h.db, user.UserID, t.SessionID)
			if err != nil {
				writeDBError(w, r, "create tabs", err)
				return
			}
			if !ok {
				// 看不到的会话按外键不存在处理
				writeDBError(w, r, "create tabs", database.ErrForeignKey)
				return
			}
			roles[t.SessionID] = role
		}
		if !canWrite(roles[t.SessionID]) {
			utils.WriteForbiddenResponse(w, "viewers cannot add tabs")
			return
		}
		tabs = append(tabs, t)
	}

	created, err := h.db.CreateTabs(tabs)
	if err != nil {
		writeDBError(w, r, "create tabs", err)
		return
	}
	rows := rowsOf(created, models.TabRow)
	for i, t := range created {
		h.pub.PublishChange(t.SessionID, realtime.Change{Type: realtime.ChangeInsert, Table: "tabs", Record: rows[i]})
	}
	for sessionID := range roles {
		touchSession(h.db, r, sessionID)
	}
	respondRows(w, r, http.StatusCreated, rows)
}

// UpdateTab PATCH /rest/v1/tabs?id=eq.<id>
func (h *TabHandler) UpdateTab(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	tab, ok := h.lookup(w, r, user.UserID, "update tab")
	if !ok {
		return
	}
	body, err := parseRows(r)
	if err != nil || len(body) != 1 {
		utils.WriteBadRequestResponse(w, "body must be a single object")
		return
	}
	patch := models.MapTabPatch(body[0])
	if patch.IsEmpty() {
		utils.WriteBadRequestResponse(w, "no updatable columns in body")
		return
	}
	if patch.URL != nil {
		u := strings.TrimSpace(*patch.URL)
		if u == "" {
			utils.WriteValidationErrorResponse(w, "tab url is required", `null value in column "url"`)
			return
		}
		patch.URL = &u
	}

	updated, err := h.db.UpdateTab(tab.ID, patch)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "update tab", err)
		return
	}
	row := models.TabRow(*updated)
	h.pub.PublishChange(updated.SessionID, realtime.Change{Type: realtime.ChangeUpdate, Table: "tabs", Record: row})
	touchSession(h.db, r, updated.SessionID)
	respondRows(w, r, http.StatusOK, []map[string]interface{}{row})
}

// DeleteTab DELETE /rest/v1/tabs?id=eq.<id>
func (h *TabHandler) DeleteTab(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	tab, ok := h.lookup(w, r, user.UserID, "delete tab")
	if !ok {
		return
	}

	deleted, err := h.db.DeleteTab(tab.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "delete tab", err)
		return
	}
	h.pub.PublishChange(deleted.SessionID, realtime.Change{
		Type:      realtime.ChangeDelete,
		Table:     "tabs",
		OldRecord: map[string]interface{}{"id": deleted.ID, "session_id": deleted.SessionID},
	})
	touchSession(h.db, r, deleted.SessionID)
	respondRows(w, r, http.StatusOK, []map[string]interface{}{models.TabRow(*deleted)})
}

// lookup 解析 id 过滤并检查写权限；不可见的标签页按 0 行处理并已写出响应
func (h *TabHandler) lookup(w http.ResponseWriter, r *http.Request, userID, op string) (models.Tab, bool) {
	q, err := parseQuery(r, "id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return models.Tab{}, false
	}
	id := q.filters["id"]
	if id == "" {
		utils.WriteBadRequestResponse(w, "id filter is required")
		return models.Tab{}, false
	}
	tabs, err := h.db.ListTabs(database.TabFilter{ID: id})
	if err != nil {
		writeDBError(w, r, op, err)
		return models.Tab{}, false
	}
	if len(tabs) == 0 {
		respondRows(w, r, http.StatusOK, nil)
		return models.Tab{}, false
	}
	role, ok, err := sessionRole(h.db, userID, tabs[0].SessionID)
	if err != nil {
		writeDBError(w, r, op, err)
		return models.Tab{}, false
	}
	if !ok {
		respondRows(w, r, http.StatusOK, nil)
		return models.Tab{}, false
	}
	if !canWrite(role) {
		utils.WriteForbiddenResponse(w, "viewers cannot modify tabs")
		return models.Tab{}, false
	}
	return tabs[0], true
}
