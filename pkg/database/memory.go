package database

import (
	"sort"
	"strings"
	"sync"
	"time"

	"tab-session-sync/pkg/models"

	"github.com/google/uuid"
)

// MemoryDatabase 内存数据库实现，用于本地开发和测试
type MemoryDatabase struct {
	mu            sync.RWMutex
	sessions      map[string]models.Session
	tabs          map[string]models.Tab
	collaborators map[string]models.Collaborator
	invites       map[string]models.Invite
	now           func() time.Time
}

// NewMemoryDatabase 创建内存数据库实例
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		sessions:      make(map[string]models.Session),
		tabs:          make(map[string]models.Tab),
		collaborators: make(map[string]models.Collaborator),
		invites:       make(map[string]models.Invite),
		now:           time.Now,
	}
}

// ListSessions 获取用户可见的会话
func (db *MemoryDatabase) ListSessions(userID, sessionID string) ([]models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	result := make([]models.Session, 0)
	for _, s := range db.sessions {
		if sessionID != "" && s.ID != sessionID {
			continue
		}
		if !db.canAccess(userID, s.ID) {
			continue
		}
		out := s.Clone()
		out.Tabs = db.tabsOf(s.ID)
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateSession 创建会话
func (db *MemoryDatabase) CreateSession(s *models.Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if _, exists := db.sessions[s.ID]; exists {
		return ErrConflict
	}
	now := db.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	stored := *s
	stored.Tabs = nil
	db.sessions[s.ID] = stored
	s.Tabs = []models.Tab{}
	return nil
}

// UpdateSession 更新会话字段
func (db *MemoryDatabase) UpdateSession(id string, changes SessionChanges) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, ok := db.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if changes.Name != nil {
		s.Name = *changes.Name
	}
	if changes.IsStarred != nil {
		s.IsStarred = *changes.IsStarred
	}
	if changes.UpdatedAt != nil {
		s.UpdatedAt = changes.UpdatedAt.UTC()
	} else {
		s.UpdatedAt = db.now().UTC()
	}
	db.sessions[id] = s
	out := s.Clone()
	return &out, nil
}

// DeleteSession 删除会话及其标签页、协作者和邀请
func (db *MemoryDatabase) DeleteSession(id string) (*models.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, ok := db.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(db.sessions, id)
	for tabID, t := range db.tabs {
		if t.SessionID == id {
			delete(db.tabs, tabID)
		}
	}
	for key, c := range db.collaborators {
		if c.SessionID == id {
			delete(db.collaborators, key)
		}
	}
	for key, inv := range db.invites {
		if inv.SessionID == id {
			delete(db.invites, key)
		}
	}
	return &s, nil
}

// CanAccessSession 判断用户是否为会话的拥有者或协作者
func (db *MemoryDatabase) CanAccessSession(userID, sessionID string) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.canAccess(userID, sessionID), nil
}

func (db *MemoryDatabase) canAccess(userID, sessionID string) bool {
	s, ok := db.sessions[sessionID]
	if !ok {
		return false
	}
	if s.OwnerID == userID {
		return true
	}
	_, ok = db.collaborators[collaboratorKey(sessionID, userID)]
	return ok
}

// ListTabs 查询标签页
func (db *MemoryDatabase) ListTabs(filter TabFilter) ([]models.Tab, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	result := make([]models.Tab, 0)
	for _, t := range db.tabs {
		if filter.ID != "" && t.ID != filter.ID {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		result = append(result, t)
	}
	models.SortTabs(result)
	return result, nil
}

// CreateTabs 批量创建标签页，任一会话不存在则整体失败
func (db *MemoryDatabase) CreateTabs(tabs []models.Tab) ([]models.Tab, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, t := range tabs {
		if _, ok := db.sessions[t.SessionID]; !ok {
			return nil, ErrForeignKey
		}
	}
	now := db.now().UTC()
	created := make([]models.Tab, 0, len(tabs))
	for _, t := range tabs {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		db.tabs[t.ID] = t
		created = append(created, t)
	}
	return created, nil
}

// UpdateTab 更新标签页
func (db *MemoryDatabase) UpdateTab(id string, patch models.TabPatch) (*models.Tab, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tabs[id]
	if !ok {
		return nil, ErrNotFound
	}
	t = patch.Apply(t)
	db.tabs[id] = t
	return &t, nil
}

// DeleteTab 删除标签页
func (db *MemoryDatabase) DeleteTab(id string) (*models.Tab, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tabs[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(db.tabs, id)
	return &t, nil
}

// ListCollaborators 获取会话协作者
func (db *MemoryDatabase) ListCollaborators(sessionID string) ([]models.Collaborator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	result := make([]models.Collaborator, 0)
	for _, c := range db.collaborators {
		if c.SessionID == sessionID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AddedAt.Before(result[j].AddedAt)
	})
	return result, nil
}

// AddCollaborator 添加协作者
func (db *MemoryDatabase) AddCollaborator(c *models.Collaborator) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.sessions[c.SessionID]; !ok {
		return ErrForeignKey
	}
	key := collaboratorKey(c.SessionID, c.UserID)
	if _, exists := db.collaborators[key]; exists {
		return ErrConflict
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = db.now().UTC()
	}
	db.collaborators[key] = *c
	return nil
}

// RemoveCollaborator 移除协作者，返回是否存在
func (db *MemoryDatabase) RemoveCollaborator(sessionID, userID string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := collaboratorKey(sessionID, userID)
	if _, ok := db.collaborators[key]; !ok {
		return false, nil
	}
	delete(db.collaborators, key)
	return true, nil
}

// CreateInvite 创建邀请
func (db *MemoryDatabase) CreateInvite(inv *models.Invite) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.sessions[inv.SessionID]; !ok {
		return ErrForeignKey
	}
	code := strings.ToUpper(inv.Code)
	for _, existing := range db.invites {
		if existing.Code == code {
			return ErrConflict
		}
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	inv.Code = code
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = db.now().UTC()
	}
	db.invites[inv.ID] = *inv
	return nil
}

// GetInviteByCode 根据邀请码获取邀请
func (db *MemoryDatabase) GetInviteByCode(code string) (*models.Invite, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	code = strings.ToUpper(code)
	for _, inv := range db.invites {
		if inv.Code == code {
			out := inv
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// MarkInviteUsed 标记邀请已使用
func (db *MemoryDatabase) MarkInviteUsed(id string) (*models.Invite, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	inv, ok := db.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	inv.Used = true
	db.invites[id] = inv
	return &inv, nil
}

// HealthCheck 健康检查
func (db *MemoryDatabase) HealthCheck() error {
	return nil
}

// Close 关闭数据库
func (db *MemoryDatabase) Close() error {
	return nil
}

func (db *MemoryDatabase) tabsOf(sessionID string) []models.Tab {
	tabs := make([]models.Tab, 0)
	for _, t := range db.tabs {
		if t.SessionID == sessionID {
			tabs = append(tabs, t)
		}
	}
	models.SortTabs(tabs)
	return tabs
}

func collaboratorKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}
