package models

import (
	"sort"
	"time"
)

// Session 会话：一组保存下来的浏览器标签页
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OwnerID         string    `json:"ownerId,omitempty"`
	IsStarred       bool      `json:"isStarred"`
	IsWindowSession bool      `json:"isWindowSession"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	// 当前用户是否为所有者，由网关根据 owner_id 填写
	IsOwner           bool `json:"isOwner"`
	CollaboratorCount int  `json:"collaboratorCount"`
	// nil 表示尚未加载；空切片表示已加载但没有标签页
	Tabs []Tab `json:"tabs"`
}

// TabsLoaded 标签页是否已加载
func (s Session) TabsLoaded() bool {
	return s.Tabs != nil
}

// Clone 深拷贝，保留 Tabs 的 nil / 空切片区别
func (s Session) Clone() Session {
	out := s
	if s.Tabs != nil {
		out.Tabs = make([]Tab, len(s.Tabs))
		copy(out.Tabs, s.Tabs)
	}
	return out
}

// TabIndexOf 返回标签页在会话中的位置，不存在返回 -1
func (s *Session) TabIndexOf(tabID string) int {
	for i := range s.Tabs {
		if s.Tabs[i].ID == tabID {
			return i
		}
	}
	return -1
}

// Tab 会话中的一个标签页
type Tab struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	TabIndex    int       `json:"tabIndex"`
	WindowIndex int       `json:"windowIndex"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TabDraft 尚未保存的标签页（捕获结果或新增请求）
type TabDraft struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	TabIndex    int    `json:"tabIndex"`
	WindowIndex int    `json:"windowIndex"`
}

// Draft 把已保存的标签页转回草稿（撤销删除时重新创建用）
func (t Tab) Draft() TabDraft {
	return TabDraft{Title: t.Title, URL: t.URL, TabIndex: t.TabIndex, WindowIndex: t.WindowIndex}
}

// SortField 会话列表的排序列
type SortField string

const (
	SortUpdatedAt SortField = "updated_at"
	SortCreatedAt SortField = "created_at"
	SortName      SortField = "name"
)

// ParseSortField accepts column names and the camelCase names used by clients.
func ParseSortField(s string) (SortField, bool) {
	switch s {
	case "", "updated_at", "updatedAt", "updated":
		return SortUpdatedAt, true
	case "created_at", "createdAt", "created":
		return SortCreatedAt, true
	case "name":
		return SortName, true
	}
	return "", false
}

// ListOptions 会话列表的排序与过滤。零值为按 updated_at 倒序、不过滤
type ListOptions struct {
	SortBy    SortField
	Ascending bool
	// Starred filters on is_starred when set.
	Starred *bool
}

// Order renders the options as a PostgREST order clause, e.g. "name.asc".
func (o ListOptions) Order() string {
	col := o.SortBy
	if col == "" {
		col = SortUpdatedAt
	}
	if o.Ascending {
		return string(col) + ".asc"
	}
	return string(col) + ".desc"
}

// SessionPatch 会话的部分更新，nil 字段保持不变
type SessionPatch struct {
	Name      *string `json:"name,omitempty"`
	IsStarred *bool   `json:"isStarred,omitempty"`
}

// IsEmpty 是否没有任何字段
func (p SessionPatch) IsEmpty() bool {
	return p.Name == nil && p.IsStarred == nil
}

// RemoteSessionPatch 来自变更推送的会话更新，UpdatedAt 用于判断新旧
type RemoteSessionPatch struct {
	ID        string
	Name      *string
	IsStarred *bool
	UpdatedAt *time.Time
}

// TabPatch 标签页的部分更新
type TabPatch struct {
	Title       *string `json:"title,omitempty"`
	URL         *string `json:"url,omitempty"`
	TabIndex    *int    `json:"tabIndex,omitempty"`
	WindowIndex *int    `json:"windowIndex,omitempty"`
}

// IsEmpty 是否没有任何字段
func (p TabPatch) IsEmpty() bool {
	return p.Title == nil && p.URL == nil && p.TabIndex == nil && p.WindowIndex == nil
}

// Apply 把补丁应用到标签页上
func (p TabPatch) Apply(t Tab) Tab {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.URL != nil {
		t.URL = *p.URL
	}
	if p.TabIndex != nil {
		t.TabIndex = *p.TabIndex
	}
	if p.WindowIndex != nil {
		t.WindowIndex = *p.WindowIndex
	}
	return t
}

// SortTabs 按 (WindowIndex, TabIndex) 稳定排序
func SortTabs(tabs []Tab) {
	sort.SliceStable(tabs, func(i, j int) bool {
		if tabs[i].WindowIndex != tabs[j].WindowIndex {
			return tabs[i].WindowIndex < tabs[j].WindowIndex
		}
		return tabs[i].TabIndex < tabs[j].TabIndex
	})
}

// RestorePlan 恢复计划：每个元素是一个新窗口要打开的 URL 列表
type RestorePlan struct {
	SessionID string     `json:"sessionId"`
	Windows   [][]string `json:"windows"`
}

// TabCount 计划中的标签页总数
func (p RestorePlan) TabCount() int {
	n := 0
	for _, w := range p.Windows {
		n += len(w)
	}
	return n
}

// PlanRestore 根据会话类型生成恢复计划。
// 窗口会话整体恢复到一个窗口；多窗口会话按 WindowIndex 拆分，窗口顺序按首次出现。
func PlanRestore(sessionID string, isWindowSession bool, tabs []Tab) RestorePlan {
	plan := RestorePlan{SessionID: sessionID}
	if len(tabs) == 0 {
		return plan
	}
	if isWindowSession {
		urls := make([]string, 0, len(tabs))
		for _, t := range tabs {
			urls = append(urls, t.URL)
		}
		plan.Windows = [][]string{urls}
		return plan
	}

	index := make(map[int]int)
	for _, t := range tabs {
		i, ok := index[t.WindowIndex]
		if !ok {
			i = len(plan.Windows)
			index[t.WindowIndex] = i
			plan.Windows = append(plan.Windows, nil)
		}
		plan.Windows[i] = append(plan.Windows[i], t.URL)
	}
	return plan
}
