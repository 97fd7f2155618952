package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/browser"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
	"tab-session-sync/pkg/store"
)

// Toast 一条给用户看的短消息
type Toast struct {
	Level     store.Level
	Text      string
	SessionID string
	// UndoID is set when the toast offers an undo action.
	UndoID    string
	ExpiresAt time.Time
}

// Toaster shows toasts to the user.
type Toaster interface {
	Show(Toast)
}

// ToasterFunc adapts a function to Toaster.
type ToasterFunc func(Toast)

func (f ToasterFunc) Show(t Toast) { f(t) }

// LogToaster writes toasts to a logger.
type LogToaster struct {
	Logger pslog.Logger
}

func (l LogToaster) Show(t Toast) {
	log := l.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	fields := []any{"session", t.SessionID}
	if t.UndoID != "" {
		fields = append(fields, "undo", t.UndoID, "until", t.ExpiresAt.Format(time.TimeOnly))
	}
	if t.Level == store.LevelError {
		log.Warn(t.Text, fields...)
		return
	}
	log.Info(t.Text, fields...)
}

// Controller 用户操作入口：浏览器捕获/恢复 + SessionStore
type Controller struct {
	store   *store.Store
	browser browser.Controller
	toaster Toaster
	log     pslog.Logger
}

// New creates a controller. A nil toaster logs toasts.
func New(s *store.Store, b browser.Controller, toaster Toaster, logger pslog.Logger) *Controller {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if toaster == nil {
		toaster = LogToaster{Logger: logger}
	}
	return &Controller{
		store:   s,
		browser: b,
		toaster: toaster,
		log:     logger.With("component", "controller"),
	}
}

func (c *Controller) info(sessionID, text string) {
	c.toaster.Show(Toast{Level: store.LevelInfo, Text: text, SessionID: sessionID})
}

func (c *Controller) problem(sessionID, text string) {
	c.toaster.Show(Toast{Level: store.LevelError, Text: text, SessionID: sessionID})
}

func (c *Controller) capture(ctx context.Context, scope browser.Scope) ([]models.TabDraft, error) {
	if c.browser == nil {
		c.problem("", "Failed to capture tabs")
		return nil, fmt.Errorf("no browser configured")
	}
	drafts, err := c.browser.CaptureTabs(ctx, scope)
	if errors.Is(err, models.ErrNoTabsCaptured) {
		c.problem("", "No tabs captured")
		return nil, err
	}
	if err != nil {
		c.log.Warn("capture failed", "scope", scope, "err", err)
		c.problem("", "Failed to capture tabs")
		return nil, fmt.Errorf("capture tabs: %w", err)
	}
	return drafts, nil
}

// SaveSession captures the tabs of scope and saves them under name.
func (c *Controller) SaveSession(ctx context.Context, scope browser.Scope, name string) (models.Session, error) {
	if strings.TrimSpace(name) == "" {
		c.problem("", "Session name is required")
		return models.Session{}, models.NewError(models.KindInvalid, "save session", "name is required", nil)
	}
	drafts, err := c.capture(ctx, scope)
	if err != nil {
		return models.Session{}, err
	}
	created, err := c.store.CreateSession(ctx, name, scope == browser.ScopeWindow, drafts)
	if err != nil {
		// the store already raised a notice
		return models.Session{}, err
	}
	c.info(created.ID, fmt.Sprintf("Session %q saved!", created.Name))
	return created, nil
}

// SaveCurrentTab adds the focused tab of the current window to a session.
func (c *Controller) SaveCurrentTab(ctx context.Context, sessionID string) (models.Tab, error) {
	drafts, err := c.capture(ctx, browser.ScopeWindow)
	if err != nil {
		return models.Tab{}, err
	}
	tab, err := c.store.AddTab(ctx, sessionID, drafts[0])
	if err != nil {
		return models.Tab{}, err
	}
	c.info(sessionID, "Tab added to session!")
	return tab, nil
}

// Restore opens the tabs of a session in new browser windows.
func (c *Controller) Restore(ctx context.Context, sessionID string) (models.RestorePlan, error) {
	plan, err := c.store.RestorePlan(ctx, sessionID)
	if err != nil {
		return plan, err
	}
	if c.browser == nil {
		return plan, nil
	}
	c.info(sessionID, "Restoring session…")
	if err := c.browser.RestoreTabs(ctx, plan); err != nil {
		c.log.Warn("restore failed", "session", sessionID, "err", err)
		c.problem(sessionID, "Failed to restore session")
		return plan, err
	}
	return plan, nil
}

// ToggleStar flips the star of a session.
func (c *Controller) ToggleStar(ctx context.Context, sessionID string) (models.Session, error) {
	session, ok := c.store.Session(sessionID)
	if !ok {
		c.problem(sessionID, "Session not found")
		return models.Session{}, models.NewError(models.KindNotFound, "star session", "session not found", nil)
	}
	return c.store.SetStarred(ctx, sessionID, !session.IsStarred)
}

// Rename 重命名
func (c *Controller) Rename(ctx context.Context, sessionID, name string) (models.Session, error) {
	return c.store.Rename(ctx, sessionID, name)
}

// Delete deletes a session; the store offers undo through a notice.
func (c *Controller) Delete(ctx context.Context, sessionID string) (*store.UndoToken, error) {
	return c.store.DeleteSession(ctx, sessionID)
}

// DeleteTab deletes one tab.
func (c *Controller) DeleteTab(ctx context.Context, tabID string) (*store.UndoToken, error) {
	return c.store.DeleteTab(ctx, tabID)
}

// Undo 撤销最近的删除
func (c *Controller) Undo(ctx context.Context, undoID string) error {
	err := c.store.Undo(ctx, undoID)
	if errors.Is(err, store.ErrUndoExpired) {
		c.problem("", "Too late to undo")
	}
	return err
}

// Open follows the live changes of a session and loads its tabs. The
// subscription starts first so changes made during the fetch are buffered
// by the store and replayed on top of the snapshot.
func (c *Controller) Open(ctx context.Context, sessionID string) (models.Session, error) {
	c.store.Watch(sessionID)
	if err := c.store.LoadTabs(ctx, sessionID); err != nil {
		c.store.Unwatch(sessionID)
		return models.Session{}, err
	}
	session, _ := c.store.Session(sessionID)
	return session, nil
}

// Close stops following a session.
func (c *Controller) Close(sessionID string) {
	c.store.Unwatch(sessionID)
}

// Run forwards store notices to the toaster until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	events, cancel := c.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case store.EventNotice:
				c.toaster.Show(toastOf(ev.Notice))
			case store.EventFeed:
				if ev.FeedState == realtime.StateDegraded {
					c.problem(ev.SessionID, "Live updates are unavailable, retrying")
				}
			}
		}
	}
}

func toastOf(n *store.Notice) Toast {
	t := Toast{Level: n.Level, Text: n.Message, SessionID: n.SessionID}
	if n.Undo != nil {
		t.UndoID = n.Undo.ID
		t.ExpiresAt = n.Undo.ExpiresAt
	}
	return t
}
