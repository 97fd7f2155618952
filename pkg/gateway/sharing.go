package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/utils"
)

// ================= Collaborators & Invites =================

// ListCollaborators 列出会话协作者
func (g *RESTGateway) ListCollaborators(ctx context.Context, sessionID string) ([]models.Collaborator, error) {
	const op = "list collaborators"
	if err := requireID(op, "session id", sessionID); err != nil {
		return nil, err
	}
	data, err := g.makeRequest(ctx, op, http.MethodGet, "/collaborators?session_id="+eq(sessionID)+"&order=added_at.asc", nil, nil)
	if err != nil {
		return nil, err
	}
	rows := decodeRows(data)
	out := make([]models.Collaborator, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.MapCollaboratorRow(row))
	}
	return out, nil
}

// AddCollaborator 直接把用户加为协作者（只有所有者可以添加他人）
func (g *RESTGateway) AddCollaborator(ctx context.Context, sessionID, userID string, role models.Role) (models.Collaborator, error) {
	const op = "add collaborator"
	if err := requireID(op, "session id", sessionID); err != nil {
		return models.Collaborator{}, err
	}
	if err := requireID(op, "user id", userID); err != nil {
		return models.Collaborator{}, err
	}
	if !role.Valid() || role == models.RoleOwner {
		return models.Collaborator{}, models.NewError(models.KindInvalid, op, "role must be EDITOR or VIEWER", nil)
	}
	payload := map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"role":       string(role),
	}
	data, err := g.makeRequest(ctx, op, http.MethodPost, "/collaborators", payload, nil)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.Collaborator{}, models.NewError(models.KindConflict, op, "already a collaborator on this session", err)
		}
		return models.Collaborator{}, err
	}
	if rows := decodeRows(data); len(rows) > 0 {
		return models.MapCollaboratorRow(rows[0]), nil
	}
	return models.Collaborator{SessionID: sessionID, UserID: userID, Role: role, AddedAt: g.now().UTC()}, nil
}

// RemoveCollaborator 移除协作者
func (g *RESTGateway) RemoveCollaborator(ctx context.Context, sessionID, userID string) error {
	const op = "remove collaborator"
	if err := requireID(op, "session id", sessionID); err != nil {
		return err
	}
	if err := requireID(op, "user id", userID); err != nil {
		return err
	}
	_, err := g.makeRequest(ctx, op, http.MethodDelete, "/collaborators?session_id="+eq(sessionID)+"&user_id="+eq(userID), nil, nil)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}

// CreateInvite 为会话生成邀请码
func (g *RESTGateway) CreateInvite(ctx context.Context, sessionID string, role models.Role, expiresAt *time.Time) (models.Invite, error) {
	const op = "create invite"
	if err := requireID(op, "session id", sessionID); err != nil {
		return models.Invite{}, err
	}
	if !role.Valid() || role == models.RoleOwner {
		return models.Invite{}, models.NewError(models.KindInvalid, op, "invite role must be EDITOR or VIEWER", nil)
	}
	cred, err := g.creds.Credential(ctx)
	if err != nil {
		return models.Invite{}, models.NewError(models.KindUnauthorized, op, "not signed in", err)
	}
	code, err := utils.GenerateInviteCode()
	if err != nil {
		return models.Invite{}, models.NewError(models.KindUnavailable, op, "failed to generate invite code", err)
	}

	payload := map[string]interface{}{
		"session_id":  sessionID,
		"invite_code": code,
		"role":        string(role),
		"created_by":  cred.UserID,
	}
	if expiresAt != nil {
		payload["expires_at"] = expiresAt.UTC()
	}
	data, err := g.makeRequest(ctx, op, http.MethodPost, "/invites", payload, nil)
	if err != nil {
		return models.Invite{}, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return models.Invite{SessionID: sessionID, Code: code, Role: role, CreatedBy: cred.UserID, ExpiresAt: expiresAt}, nil
	}
	return models.MapInviteRow(rows[0]), nil
}

// AcceptInvite 使用邀请码加入会话：校验 -> 写入协作者 -> 标记已使用。
// 最后一步失败不影响结果。
func (g *RESTGateway) AcceptInvite(ctx context.Context, code string) (models.Collaborator, error) {
	const op = "accept invite"
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return models.Collaborator{}, models.NewError(models.KindInvalid, op, "invite code is required", nil)
	}
	cred, err := g.creds.Credential(ctx)
	if err != nil {
		return models.Collaborator{}, models.NewError(models.KindUnauthorized, op, "not signed in", err)
	}

	data, err := g.makeRequest(ctx, op, http.MethodGet, "/invites?invite_code="+eq(code)+"&select=id,session_id,role,expires_at,used", nil, nil)
	if err != nil {
		return models.Collaborator{}, err
	}
	rows := decodeRows(data)
	if len(rows) == 0 {
		return models.Collaborator{}, models.NewError(models.KindNotFound, op, "invalid invite code", nil)
	}
	invite := models.MapInviteRow(rows[0])
	if invite.Used {
		return models.Collaborator{}, models.NewError(models.KindInvalid, op, "invite has already been used", nil)
	}
	if invite.Expired(g.now()) {
		return models.Collaborator{}, models.NewError(models.KindInvalid, op, "invite has expired", nil)
	}

	payload := map[string]interface{}{
		"session_id": invite.SessionID,
		"user_id":    cred.UserID,
		"role":       string(invite.Role),
	}
	data, err = g.makeRequest(ctx, op, http.MethodPost, "/collaborators", payload, nil)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.Collaborator{}, models.NewError(models.KindConflict, op, "already a collaborator on this session", err)
		}
		return models.Collaborator{}, err
	}
	collab := models.Collaborator{SessionID: invite.SessionID, UserID: cred.UserID, Role: invite.Role, AddedAt: g.now().UTC()}
	if created := decodeRows(data); len(created) > 0 {
		collab = models.MapCollaboratorRow(created[0])
	}

	if _, err := g.makeRequest(ctx, op, http.MethodPatch, "/invites?id="+eq(invite.ID), map[string]interface{}{"used": true}, map[string]string{"Prefer": "return=minimal"}); err != nil {
		g.log.Warn("failed to mark invite as used", "invite", invite.ID, "err", err)
	}
	return collab, nil
}
