package browser

import (
	"context"
	"fmt"
	"strings"

	"tab-session-sync/pkg/models"
)

// Scope 捕获范围
type Scope string

const (
	ScopeWindow     Scope = "WINDOW"
	ScopeAllWindows Scope = "ALL_WINDOWS"
)

// ParseScope accepts WINDOW / ALL_WINDOWS in any case, and the short forms
// "window" and "all".
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "WINDOW":
		return ScopeWindow, nil
	case "ALL", "ALL_WINDOWS":
		return ScopeAllWindows, nil
	}
	return "", fmt.Errorf("unknown capture scope %q", s)
}

// Controller reads and opens real browser tabs.
type Controller interface {
	CaptureTabs(ctx context.Context, scope Scope) ([]models.TabDraft, error)
	RestoreTabs(ctx context.Context, plan models.RestorePlan) error
}

// Page 浏览器中的一个页面目标
type Page struct {
	TargetID string
	WindowID int64
	Title    string
	URL      string
}

// groupCapture turns page targets into drafts. The current window is the
// window of the first page; windows are numbered by first appearance and
// tabs by their position inside the window. Pages without a URL are skipped.
func groupCapture(pages []Page, scope Scope) ([]models.TabDraft, error) {
	var drafts []models.TabDraft
	if len(pages) == 0 {
		return nil, models.ErrNoTabsCaptured
	}
	current := pages[0].WindowID
	windows := make(map[int64]int)
	counts := make(map[int64]int)
	for _, p := range pages {
		if scope == ScopeWindow && p.WindowID != current {
			continue
		}
		if strings.TrimSpace(p.URL) == "" {
			continue
		}
		w, ok := windows[p.WindowID]
		if !ok {
			w = len(windows)
			windows[p.WindowID] = w
		}
		drafts = append(drafts, models.TabDraft{
			Title:       p.Title,
			URL:         p.URL,
			TabIndex:    counts[p.WindowID],
			WindowIndex: w,
		})
		counts[p.WindowID]++
	}
	if len(drafts) == 0 {
		return nil, models.ErrNoTabsCaptured
	}
	return drafts, nil
}
