package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tab-session-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"pkt.systems/pslog"
)

// PostgresDatabase PostgreSQL数据库实现
type PostgresDatabase struct {
	db  *sql.DB
	log pslog.Logger
}

// NewPostgresDatabase 创建PostgreSQL数据库实例，依次尝试多种连接参数
func NewPostgresDatabase(dsn string, logger pslog.Logger) (*PostgresDatabase, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("component", "postgres")

	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		dsn,
	}

	var lastErr error
	for i, strategy := range strategies {
		logger.Debug("trying connection strategy", "strategy", i+1)

		db, err := sql.Open("postgres", strategy)
		if err != nil {
			logger.Warn("connection strategy failed to open", "strategy", i+1, "err", err)
			lastErr = err
			continue
		}

		// 连接池参数
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err = db.Ping(); err != nil {
			logger.Warn("connection strategy failed to ping", "strategy", i+1, "err", err)
			db.Close()
			lastErr = err
			continue
		}

		logger.Info("postgres connection established", "strategy", i+1)
		return &PostgresDatabase{db: db, log: logger}, nil
	}

	return nil, fmt.Errorf("all connection strategies failed: %w", lastErr)
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	// key=value 形式的 DSN 用空格分隔参数
	if !strings.Contains(dsn, "://") {
		return dsn + " " + strings.ReplaceAll(params, "&", " ")
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}

	return dsn + separator + params
}

// Schema 开发后端使用的表结构
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    owner_id          TEXT NOT NULL,
    is_starred        BOOLEAN NOT NULL DEFAULT FALSE,
    is_window_session BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions (owner_id);

CREATE TABLE IF NOT EXISTS tabs (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    title        TEXT,
    url          TEXT NOT NULL,
    tab_index    INTEGER NOT NULL DEFAULT 0,
    window_index INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tabs_session_idx ON tabs (session_id);

CREATE TABLE IF NOT EXISTS collaborators (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL,
    added_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (session_id, user_id)
);

CREATE TABLE IF NOT EXISTS invites (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    invite_code TEXT NOT NULL UNIQUE,
    role        TEXT NOT NULL,
    created_by  TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ,
    used        BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Migrate 创建表结构
func (db *PostgresDatabase) Migrate() error {
	if _, err := db.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ListSessions 获取用户可见的会话
func (db *PostgresDatabase) ListSessions(userID, sessionID string) ([]models.Session, error) {
	query := `
		SELECT s.id, s.name, s.owner_id, s.is_starred, s.is_window_session, s.created_at, s.updated_at
		FROM sessions s
		WHERE (s.owner_id = $1 OR EXISTS (
			SELECT 1 FROM collaborators c WHERE c.session_id = s.id AND c.user_id = $1
		))
		AND ($2 = '' OR s.id = $2)
		ORDER BY s.updated_at DESC, s.id
	`
	rows, err := db.db.Query(query, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	index := make(map[string]int)
	ids := make([]string, 0)
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.OwnerID, &s.IsStarred, &s.IsWindowSession, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.Tabs = []models.Tab{}
		index[s.ID] = len(sessions)
		ids = append(ids, s.ID)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return sessions, nil
	}

	tabRows, err := db.db.Query(`
		SELECT id, session_id, COALESCE(title,''), url, tab_index, window_index, created_at
		FROM tabs
		WHERE session_id = ANY($1)
		ORDER BY window_index, tab_index, created_at
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	defer tabRows.Close()
	for tabRows.Next() {
		t, err := scanTab(tabRows)
		if err != nil {
			return nil, err
		}
		i := index[t.SessionID]
		sessions[i].Tabs = append(sessions[i].Tabs, t)
	}
	return sessions, tabRows.Err()
}

// CreateSession 创建会话
func (db *PostgresDatabase) CreateSession(s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	query := `
		INSERT INTO sessions (id, name, owner_id, is_starred, is_window_session, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := db.db.QueryRow(query, s.ID, s.Name, s.OwnerID, s.IsStarred, s.IsWindowSession).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return mapError("create session", err)
	}
	s.Tabs = []models.Tab{}
	return nil
}

// UpdateSession 更新会话字段
func (db *PostgresDatabase) UpdateSession(id string, changes SessionChanges) (*models.Session, error) {
	updatedAt := time.Now().UTC()
	if changes.UpdatedAt != nil {
		updatedAt = changes.UpdatedAt.UTC()
	}
	query := `
		UPDATE sessions
		SET name = COALESCE($2, name),
		    is_starred = COALESCE($3, is_starred),
		    updated_at = $4
		WHERE id = $1
		RETURNING id, name, owner_id, is_starred, is_window_session, created_at, updated_at
	`
	var s models.Session
	err := db.db.QueryRow(query, id, nullString(changes.Name), nullBool(changes.IsStarred), updatedAt).
		Scan(&s.ID, &s.Name, &s.OwnerID, &s.IsStarred, &s.IsWindowSession, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapError("update session", err)
	}
	return &s, nil
}

// DeleteSession 删除会话，标签页等级联删除
func (db *PostgresDatabase) DeleteSession(id string) (*models.Session, error) {
	query := `
		DELETE FROM sessions WHERE id = $1
		RETURNING id, name, owner_id, is_starred, is_window_session, created_at, updated_at
	`
	var s models.Session
	err := db.db.QueryRow(query, id).
		Scan(&s.ID, &s.Name, &s.OwnerID, &s.IsStarred, &s.IsWindowSession, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapError("delete session", err)
	}
	return &s, nil
}

// CanAccessSession 判断用户是否为会话的拥有者或协作者
func (db *PostgresDatabase) CanAccessSession(userID, sessionID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.id = $2 AND (s.owner_id = $1 OR EXISTS (
				SELECT 1 FROM collaborators c WHERE c.session_id = s.id AND c.user_id = $1
			))
		)
	`
	var ok bool
	if err := db.db.QueryRow(query, userID, sessionID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check session access: %w", err)
	}
	return ok, nil
}

// ListTabs 查询标签页
func (db *PostgresDatabase) ListTabs(filter TabFilter) ([]models.Tab, error) {
	query := `
		SELECT id, session_id, COALESCE(title,''), url, tab_index, window_index, created_at
		FROM tabs
		WHERE ($1 = '' OR id = $1) AND ($2 = '' OR session_id = $2)
		ORDER BY window_index, tab_index, created_at
	`
	rows, err := db.db.Query(query, filter.ID, filter.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	defer rows.Close()

	tabs := make([]models.Tab, 0)
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

// CreateTabs 在一个事务中批量创建标签页
func (db *PostgresDatabase) CreateTabs(tabs []models.Tab) ([]models.Tab, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO tabs (id, session_id, title, url, tab_index, window_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare tab insert: %w", err)
	}
	defer stmt.Close()

	created := make([]models.Tab, 0, len(tabs))
	for _, t := range tabs {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if err := stmt.QueryRow(t.ID, t.SessionID, t.Title, t.URL, t.TabIndex, t.WindowIndex).Scan(&t.CreatedAt); err != nil {
			return nil, mapError("create tab", err)
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tabs: %w", err)
	}
	return created, nil
}

// UpdateTab 更新标签页
func (db *PostgresDatabase) UpdateTab(id string, patch models.TabPatch) (*models.Tab, error) {
	query := `
		UPDATE tabs
		SET title = COALESCE($2, title),
		    url = COALESCE($3, url),
		    tab_index = COALESCE($4, tab_index),
		    window_index = COALESCE($5, window_index)
		WHERE id = $1
		RETURNING id, session_id, COALESCE(title,''), url, tab_index, window_index, created_at
	`
	t, err := scanTab(db.db.QueryRow(query, id, nullString(patch.Title), nullString(patch.URL),
		nullInt(patch.TabIndex), nullInt(patch.WindowIndex)))
	if err != nil {
		return nil, mapError("update tab", err)
	}
	return &t, nil
}

// DeleteTab 删除标签页
func (db *PostgresDatabase) DeleteTab(id string) (*models.Tab, error) {
	query := `
		DELETE FROM tabs WHERE id = $1
		RETURNING id, session_id, COALESCE(title,''), url, tab_index, window_index, created_at
	`
	t, err := scanTab(db.db.QueryRow(query, id))
	if err != nil {
		return nil, mapError("delete tab", err)
	}
	return &t, nil
}

// ListCollaborators 获取会话协作者
func (db *PostgresDatabase) ListCollaborators(sessionID string) ([]models.Collaborator, error) {
	rows, err := db.db.Query(`
		SELECT id, session_id, user_id, role, added_at
		FROM collaborators
		WHERE session_id = $1
		ORDER BY added_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	defer rows.Close()

	result := make([]models.Collaborator, 0)
	for rows.Next() {
		var c models.Collaborator
		var role string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.UserID, &role, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan collaborator: %w", err)
		}
		c.Role = models.Role(role)
		result = append(result, c)
	}
	return result, rows.Err()
}

// AddCollaborator 添加协作者
func (db *PostgresDatabase) AddCollaborator(c *models.Collaborator) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err := db.db.QueryRow(`
		INSERT INTO collaborators (id, session_id, user_id, role, added_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING added_at
	`, c.ID, c.SessionID, c.UserID, string(c.Role)).Scan(&c.AddedAt)
	if err != nil {
		return mapError("add collaborator", err)
	}
	return nil
}

// RemoveCollaborator 移除协作者，返回是否存在
func (db *PostgresDatabase) RemoveCollaborator(sessionID, userID string) (bool, error) {
	res, err := db.db.Exec(`DELETE FROM collaborators WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return false, mapError("remove collaborator", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove collaborator: %w", err)
	}
	return n > 0, nil
}

// CreateInvite 创建邀请
func (db *PostgresDatabase) CreateInvite(inv *models.Invite) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	inv.Code = strings.ToUpper(inv.Code)
	var expires sql.NullTime
	if inv.ExpiresAt != nil {
		expires = sql.NullTime{Time: inv.ExpiresAt.UTC(), Valid: true}
	}
	err := db.db.QueryRow(`
		INSERT INTO invites (id, session_id, invite_code, role, created_by, created_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, FALSE)
		RETURNING created_at
	`, inv.ID, inv.SessionID, inv.Code, string(inv.Role), inv.CreatedBy, expires).Scan(&inv.CreatedAt)
	if err != nil {
		return mapError("create invite", err)
	}
	return nil
}

// GetInviteByCode 根据邀请码获取邀请
func (db *PostgresDatabase) GetInviteByCode(code string) (*models.Invite, error) {
	return db.scanInvite(db.db.QueryRow(`
		SELECT id, session_id, invite_code, role, created_by, created_at, expires_at, used
		FROM invites WHERE invite_code = $1
	`, strings.ToUpper(code)), "get invite")
}

// MarkInviteUsed 标记邀请已使用
func (db *PostgresDatabase) MarkInviteUsed(id string) (*models.Invite, error) {
	return db.scanInvite(db.db.QueryRow(`
		UPDATE invites SET used = TRUE WHERE id = $1
		RETURNING id, session_id, invite_code, role, created_by, created_at, expires_at, used
	`, id), "mark invite used")
}

func (db *PostgresDatabase) scanInvite(row *sql.Row, op string) (*models.Invite, error) {
	var inv models.Invite
	var role string
	var expires sql.NullTime
	if err := row.Scan(&inv.ID, &inv.SessionID, &inv.Code, &role, &inv.CreatedBy, &inv.CreatedAt, &expires, &inv.Used); err != nil {
		return nil, mapError(op, err)
	}
	inv.Role = models.Role(role)
	if expires.Valid {
		t := expires.Time
		inv.ExpiresAt = &t
	}
	return &inv, nil
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck() error {
	return db.db.Ping()
}

// Close 关闭数据库连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTab(row rowScanner) (models.Tab, error) {
	var t models.Tab
	if err := row.Scan(&t.ID, &t.SessionID, &t.Title, &t.URL, &t.TabIndex, &t.WindowIndex, &t.CreatedAt); err != nil {
		return t, mapError("scan tab", err)
	}
	return t, nil
}

// mapError 把驱动错误转换为包内的哨兵错误
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("failed to %s: %w", op, ErrConflict)
		case "23503":
			return fmt.Errorf("failed to %s: %w", op, ErrForeignKey)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
