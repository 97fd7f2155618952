package handlers

import (
	"errors"
	"net/http"
	"strings"

	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/middleware"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/utils"
)

// SharingHandler /rest/v1/collaborators 和 /rest/v1/invites
type SharingHandler struct {
	config *config.Config
	db     database.DatabaseInterface
}

// NewSharingHandler 创建共享处理器
func NewSharingHandler(cfg *config.Config, db database.DatabaseInterface) *SharingHandler {
	return &SharingHandler{config: cfg, db: db}
}

// ListCollaborators GET /rest/v1/collaborators?session_id=eq.<id>
func (h *SharingHandler) ListCollaborators(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "session_id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	sessionID := q.filters["session_id"]
	if sessionID == "" {
		utils.WriteBadRequestResponse(w, "session_id filter is required")
		return
	}
	ok, err := h.db.CanAccessSession(user.UserID, sessionID)
	if err != nil {
		writeDBError(w, r, "list collaborators", err)
		return
	}
	if !ok {
		respondRows(w, r, http.StatusOK, nil)
		return
	}
	collaborators, err := h.db.ListCollaborators(sessionID)
	if err != nil {
		writeDBError(w, r, "list collaborators", err)
		return
	}
	respondRows(w, r, http.StatusOK, rowsOf(collaborators, models.CollaboratorRow))
}

// AddCollaborator POST /rest/v1/collaborators。拥有者可以添加任何人，
// 其他用户只能添加自己（接受邀请）
func (h *SharingHandler) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	body, err := parseRows(r)
	if err != nil || len(body) != 1 {
		utils.WriteBadRequestResponse(w, "body must be a single object")
		return
	}
	c := models.MapCollaboratorRow(body[0])
	if c.SessionID == "" || c.UserID == "" {
		utils.WriteValidationErrorResponse(w, "session_id and user_id are required", "")
		return
	}
	if !c.Role.Valid() || c.Role == models.RoleOwner {
		utils.WriteValidationErrorResponse(w, "role must be EDITOR or VIEWER", "")
		return
	}
	if c.UserID != user.UserID {
		role, ok, err := sessionRole(h.db, user.UserID, c.SessionID)
		if err != nil {
			writeDBError(w, r, "add collaborator", err)
			return
		}
		if !ok || role != models.RoleOwner {
			utils.WriteForbiddenResponse(w, "only the owner can add other collaborators")
			return
		}
	}

	if err := h.db.AddCollaborator(&c); err != nil {
		writeDBError(w, r, "add collaborator", err)
		return
	}
	respondRows(w, r, http.StatusCreated, []map[string]interface{}{models.CollaboratorRow(c)})
}

// RemoveCollaborator DELETE /rest/v1/collaborators?session_id=eq.<id>&user_id=eq.<id>
func (h *SharingHandler) RemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "session_id", "user_id")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	sessionID, userID := q.filters["session_id"], q.filters["user_id"]
	if sessionID == "" || userID == "" {
		utils.WriteBadRequestResponse(w, "session_id and user_id filters are required")
		return
	}
	if userID != user.UserID {
		role, ok, err := sessionRole(h.db, user.UserID, sessionID)
		if err != nil {
			writeDBError(w, r, "remove collaborator", err)
			return
		}
		if !ok {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		if role != models.RoleOwner {
			utils.WriteForbiddenResponse(w, "only the owner can remove other collaborators")
			return
		}
	}

	if _, err := h.db.RemoveCollaborator(sessionID, userID); err != nil {
		writeDBError(w, r, "remove collaborator", err)
		return
	}
	utils.WriteNoContent(w)
}

// GetInvite GET /rest/v1/invites?invite_code=eq.<code>
func (h *SharingHandler) GetInvite(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireUser(r.Context()); err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	q, err := parseQuery(r, "invite_code")
	if err != nil {
		utils.WriteBadRequestResponse(w, err.Error())
		return
	}
	code := q.filters["invite_code"]
	if code == "" {
		utils.WriteBadRequestResponse(w, "invite_code filter is required")
		return
	}
	inv, err := h.db.GetInviteByCode(code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "get invite", err)
		return
	}
	respondRows(w, r, http.StatusOK, []map[string]interface{}{models.InviteRow(*inv)})
}

// CreateInvite POST /rest/v1/invites，只有拥有者可以邀请
func (h *SharingHandler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	body, err := parseRows(r)
	if err != nil || len(body) != 1 {
		utils.WriteBadRequestResponse(w, "body must be a single object")
		return
	}
	inv := models.MapInviteRow(body[0])
	if inv.SessionID == "" {
		utils.WriteValidationErrorResponse(w, "session_id is required", "")
		return
	}
	if !inv.Role.Valid() || inv.Role == models.RoleOwner {
		utils.WriteValidationErrorResponse(w, "role must be EDITOR or VIEWER", "")
		return
	}
	role, ok, err := sessionRole(h.db, user.UserID, inv.SessionID)
	if err != nil {
		writeDBError(w, r, "create invite", err)
		return
	}
	if !ok {
		writeDBError(w, r, "create invite", database.ErrForeignKey)
		return
	}
	if role != models.RoleOwner {
		utils.WriteForbiddenResponse(w, "only the owner can create invites")
		return
	}

	inv.Code = strings.ToUpper(strings.TrimSpace(inv.Code))
	if inv.Code == "" {
		if inv.Code, err = utils.GenerateInviteCode(); err != nil {
			utils.WriteInternalServerErrorResponse(w, "Failed to generate invite code")
			return
		}
	}
	inv.CreatedBy = user.UserID
	inv.Used = false
	if err := h.db.CreateInvite(&inv); err != nil {
		writeDBError(w, r, "create invite", err)
		return
	}
	respondRows(w, r, http.StatusCreated, []map[string]interface{}{models.InviteRow(inv)})
}

// UpdateInvite PATCH /rest/v1/invites?id=eq.<id>，只支持 {"used": true}
func (h *SharingHandler) UpdateInvite(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireUser(r.Context()); err != nil {
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
	if used, ok := body[0]["used"].(bool); !ok || !used || len(body[0]) != 1 {
		utils.WriteBadRequestResponse(w, "only {\"used\": true} is supported")
		return
	}

	inv, err := h.db.MarkInviteUsed(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondRows(w, r, http.StatusOK, nil)
			return
		}
		writeDBError(w, r, "update invite", err)
		return
	}
	respondRows(w, r, http.StatusOK, []map[string]interface{}{models.InviteRow(*inv)})
}
