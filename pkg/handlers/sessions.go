package handlers

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/middleware"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
	"tab-session-sync/pkg/utils"
)

// SessionHandler /rest/v1/sessions
type SessionHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	pub    Publisher
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(cfg *config.Config, db database.DatabaseInterface, pub Publisher) *SessionHandler {
	return &SessionHandler{config: cfg, db: db, pub: pub}
}

// ListSessions GET /rest/v1/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "id", "is_starred")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	orderBy, asc, err := parseOrder(r, "updated_at", "updated_at", "created_at", "name")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}

	sessions, err := h.db.ListSessions(user.UserID, q.filters["id"])
	if err != nil {
		writeDBError(w, r, "list sessions", err)
		return
	}
	if v, ok := q.filters["is_starred"]; ok {
		starred, err := strconv.ParseBool(v)
		if err != nil {
			utils.WriteBadRequestResponse(w, "is_starred must be true or false")
			return
		}
		sessions = slices.DeleteFunc(sessions, func(s models.Session) bool { return s.IsStarred != starred })
	}
	sortSessions(sessions, orderBy, asc)

	withTabs := q.embedsTabs()
	rows := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		row := models.SessionRow(s, withTabs)
		if q.embedsCollaborators() {
			collaborators, err := h.db.ListCollaborators(s.ID)
			if err != nil {
				writeDBError(w, r, "list sessions", err)
				return
			}
			embedded := make([]map[string]interface{}, 0, len(collaborators))
			for _, c := range collaborators {
				embedded = append(embedded, map[string]interface{}{"user_id": c.UserID, "role": string(c.Role)})
			}
			row["collaborators"] = embedded
		}
		rows = append(rows, row)
	}
	respondRows(w, r, http.StatusOK, rows)
}

// sortSessions 按列稳定排序，相同键保持数据库顺序
func sortSessions(sessions []models.Session, col string, asc bool) {
	less := func(a, b models.Session) int {
		switch col {
		case "name":
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case "created_at":
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return a.UpdatedAt.Compare(b.UpdatedAt)
	}
	slices.SortStableFunc(sessions, func(a, b models.Session) int {
		if asc {
			return less(a, b)
		}
		return less(b, a)
	})
}

// CreateSession POST /rest/v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
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

	sessions := make([]models.Session, 0, len(body))
	for _, row := range body {
		s := models.MapSessionRow(row)
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			utils.WriteValidationErrorResponse(w, "session name is required", `null value in column "name"`)
			return
		}
		if s.OwnerID != "" && s.OwnerID != user.UserID {
			utils.WriteForbiddenResponse(w, "new row violates row-level security policy for table \"sessions\"")
			return
		}
		s.OwnerID = user.UserID
		sessions = append(sessions, s)
	}

	rows := make([]map[string]interface{}, 0, len(sessions))
	for i := range sessions {
		if err := h.db.CreateSession(&sessions[i]); err != nil {
			writeDBError(w, r, "create session", err)
			return
		}
		row := models.SessionRow(sessions[i], false)
		rows = append(rows, row)
		h.pub.PublishChange(sessions[i].ID, realtime.Change{Type: realtime.ChangeInsert, Table: "sessions", Record: row})
	}
	respondRows(w, r, http.StatusCreated, rows)
}

// UpdateSession PATCH /rest/v1/sessions?id=eq.<id>
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	id := q.filters["id"]
	if id == "" {
		utils.WriteBadRequestResponse(w, "id filter is required")
		return
	}
	body, err := parseRows(r)
	if err != nil || len(body) != 1 {
		utils.WriteBadRequestResponse(w, "body must be a single object")
		return
	}

	role, ok, err := sessionRole(h.db, user.UserID, id)
	if err != nil {
		writeDBError(w, r, "update session", err)
		return
	}
	if !ok {
		respondRows(w, r, http.StatusOK, nil)
		return
	}
	if !canWrite(role) {
		utils.WriteForbiddenResponse(w, "viewers cannot modify sessions")
		return
	}

	patch := models.MapSessionPatch(body[0])
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			utils.WriteValidationErrorResponse(w, "session name is required", `null value in column "name"`)
			return
		}
		patch.Name = &name
	}
	updated, err := h.db.UpdateSession(id, database.SessionChanges{
		Name:      patch.Name,
		IsStarred: patch.IsStarred,
		UpdatedAt: patch.UpdatedAt,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "update session", err)
		return
	}

	row := models.SessionRow(*updated, false)
	h.pub.PublishChange(id, realtime.Change{Type: realtime.ChangeUpdate, Table: "sessions", Record: row})
	respondRows(w, r, http.StatusOK, []map[string]interface{}{row})
}

// DeleteSession DELETE /rest/v1/sessions?id=eq.<id>，只有拥有者可以删除
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	id := q.filters["id"]
	if id == "" {
		utils.WriteBadRequestResponse(w, "id filter is required")
		return
	}

	role, ok, err := sessionRole(h.db, user.UserID, id)
	if err != nil {
		writeDBError(w, r, "delete session", err)
		return
	}
	if !ok {
		respondRows(w, r, http.StatusOK, nil)
		return
	}
	if role != models.RoleOwner {
		utils.WriteForbiddenResponse(w, "only the owner can delete a session")
		return
	}

	deleted, err := h.db.DeleteSession(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "delete session", err)
		return
	}
	h.pub.PublishChange(id, realtime.Change{
		Type:      realtime.ChangeDelete,
		Table:     "sessions",
		OldRecord: map[string]interface{}{"id": id},
	})
	respondRows(w, r, http.StatusOK, []map[string]interface{}{models.SessionRow(*deleted, false)})
}

// touchSession 更新会话的 updated_at，失败只记日志
func touchSession(db database.DatabaseInterface, r *http.Request, sessionID string) {
	if _, err := db.UpdateSession(sessionID, database.SessionChanges{}); err != nil && err != database.ErrNotFound {
		pslog.Ctx(r.Context()).Warn("failed to touch session", "session", sessionID, "err", err)
	}
}
