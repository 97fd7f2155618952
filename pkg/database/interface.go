package database

import (
    "errors"
    "fmt"
    "time"

    "pkt.systems/pslog"

    "tab-session-sync/pkg/models"
)

// 数据库层的错误，由 handlers 映射到 PostgREST 风格的错误码
var (
    ErrNotFound   = errors.New("not found")
    ErrConflict   = errors.New("duplicate key value violates unique constraint")
    ErrForeignKey = errors.New("insert or update violates foreign key constraint")
)

// DatabaseInterface 定义开发后端的数据访问接口
type DatabaseInterface interface {
    // 会话管理
    // ListSessions 返回用户可见（拥有或协作）的会话，含标签页，按 updated_at 倒序；sessionID 非空时只返回该会话
    ListSessions(userID, sessionID string) ([]models.Session, error)
    CreateSession(s *models.Session) error
    UpdateSession(id string, changes SessionChanges) (*models.Session, error)
    DeleteSession(id string) (*models.Session, error)
    CanAccessSession(userID, sessionID string) (bool, error)

    // 标签页管理
    ListTabs(filter TabFilter) ([]models.Tab, error)
    CreateTabs(tabs []models.Tab) ([]models.Tab, error)
    UpdateTab(id string, patch models.TabPatch) (*models.Tab, error)
    DeleteTab(id string) (*models.Tab, error)

    // 协作者
    ListCollaborators(sessionID string) ([]models.Collaborator, error)
    AddCollaborator(c *models.Collaborator) error
    RemoveCollaborator(sessionID, userID string) (bool, error)

    // 邀请
    CreateInvite(inv *models.Invite) error
    GetInviteByCode(code string) (*models.Invite, error)
    MarkInviteUsed(id string) (*models.Invite, error)

    // 健康检查
    HealthCheck() error

    // 关闭连接
    Close() error
}

// SessionChanges 会话的部分更新；UpdatedAt 为空时使用当前时间
type SessionChanges struct {
    Name      *string
    IsStarred *bool
    UpdatedAt *time.Time
}

// TabFilter 标签页查询条件
type TabFilter struct {
    ID        string
    SessionID string
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
    PostgresDSN string
    Logger      pslog.Logger
}

// NewDatabase 根据配置选择数据库实现：配置了 PostgreSQL 则使用，否则使用内存数据库
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
    if config.PostgresDSN != "" {
        db, err := NewPostgresDatabase(config.PostgresDSN, config.Logger)
        if err != nil {
            return nil, fmt.Errorf("failed to open postgres: %w", err)
        }
        if err := db.Migrate(); err != nil {
            db.Close()
            return nil, err
        }
        return db, nil
    }
    return NewMemoryDatabase(), nil
}
