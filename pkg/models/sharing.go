package models

import "time"

type Role string

const (
    RoleOwner  Role = "OWNER"
    RoleEditor Role = "EDITOR"
    RoleViewer Role = "VIEWER"
)

// Valid 是否为已知角色
func (r Role) Valid() bool {
    switch r {
    case RoleOwner, RoleEditor, RoleViewer:
        return true
    }
    return false
}

// Collaborator is a user granted access to a session
type Collaborator struct {
    ID        string    `json:"id" db:"id"`
    SessionID string    `json:"sessionId" db:"session_id"`
    UserID    string    `json:"userId" db:"user_id"`
    Role      Role      `json:"role" db:"role"`
    AddedAt   time.Time `json:"addedAt" db:"added_at"`
}

// Invite is a shareable code granting a role on a session
type Invite struct {
    ID        string     `json:"id" db:"id"`
    SessionID string     `json:"sessionId" db:"session_id"`
    Code      string     `json:"inviteCode" db:"invite_code"`
    Role      Role       `json:"role" db:"role"`
    CreatedBy string     `json:"createdBy" db:"created_by"`
    CreatedAt time.Time  `json:"createdAt" db:"created_at"`
    ExpiresAt *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
    Used      bool       `json:"used" db:"used"`
}

// Expired 邀请是否已过期
func (i Invite) Expired(now time.Time) bool {
    return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

// PresenceUser 在线状态中广播的本地用户信息
type PresenceUser struct {
    UserID string `json:"user_id"`
    Name   string `json:"name,omitempty"`
    Email  string `json:"email,omitempty"`
}

// PresenceMember 会话中的一个在线成员
type PresenceMember struct {
    Key      string    `json:"key"`
    UserID   string    `json:"user_id"`
    Name     string    `json:"name,omitempty"`
    Email    string    `json:"email,omitempty"`
    OnlineAt time.Time `json:"online_at"`
}
