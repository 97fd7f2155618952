package auth

import (
	"context"
	"strings"
	"sync"

	"tab-session-sync/pkg/models"
)

// CredentialSource 提供当前登录用户的凭证，未登录时返回 models.ErrUnauthorized
type CredentialSource interface {
	Credential(ctx context.Context) (models.Credential, error)
}

// Manager 持有当前凭证，并在登录状态变化时通知监听者
type Manager struct {
	mu        sync.RWMutex
	cred      *models.Credential
	listeners map[int]func(*models.Credential)
	nextID    int
}

// NewManager 创建凭证管理器
func NewManager() *Manager {
	return &Manager{listeners: make(map[int]func(*models.Credential))}
}

// Credential implements CredentialSource.
func (m *Manager) Credential(ctx context.Context) (models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return models.Credential{}, models.ErrUnauthorized
	}
	return *m.cred, nil
}

// SignIn 用 bearer token 登录，用户 ID 从令牌中读取
func (m *Manager) SignIn(token string) (models.Credential, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return models.Credential{}, models.NewError(models.KindUnauthorized, "sign in", "empty token", nil)
	}
	userID, email, err := UserIDFromToken(token)
	if err != nil {
		return models.Credential{}, models.NewError(models.KindUnauthorized, "sign in", "unreadable token", err)
	}
	cred := models.Credential{BearerToken: token, UserID: userID, Email: email}
	m.Set(&cred)
	return cred, nil
}

// SignOut 清除凭证
func (m *Manager) SignOut() {
	m.Set(nil)
}

// Set 替换当前凭证（nil 表示登出），并同步通知所有监听者
func (m *Manager) Set(cred *models.Credential) {
	m.mu.Lock()
	if cred != nil {
		c := *cred
		cred = &c
	}
	m.cred = cred
	listeners := make([]func(*models.Credential), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		var c *models.Credential
		if cred != nil {
			cp := *cred
			c = &cp
		}
		fn(c)
	}
}

// OnChange 注册登录状态变化回调，返回取消函数
func (m *Manager) OnChange(fn func(*models.Credential)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Static 固定凭证（测试和 CLI 一次性命令使用）
type Static models.Credential

// Credential implements CredentialSource.
func (s Static) Credential(ctx context.Context) (models.Credential, error) {
	if s.BearerToken == "" {
		return models.Credential{}, models.ErrUnauthorized
	}
	return models.Credential(s), nil
}
