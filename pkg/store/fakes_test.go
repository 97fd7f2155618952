package store_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGateway keeps rows in memory. errs fails an operation by name; hooks
// run before an operation touches its rows and may block.
type fakeGateway struct {
	clock *fakeClock

	mu       sync.Mutex
	sessions []*models.Session
	next     int
	errs     map[string]error
	hooks    map[string]func()
	calls    map[string]int
	deleted  []string
	partial  bool
	// ListSessions leaves Tabs nil, like a list without the tabs embed
	listWithoutTabs bool
	// afterList runs once the list snapshot is taken, before it is returned
	afterList func()
	// assign hands out these ids before generated ones
	assign []string
}

func newFakeGateway(clock *fakeClock) *fakeGateway {
	return &fakeGateway{
		clock: clock,
		errs:  make(map[string]error),
		hooks: make(map[string]func()),
		calls: make(map[string]int),
	}
}

func (g *fakeGateway) enter(op string) error {
	g.mu.Lock()
	g.calls[op]++
	hook := g.hooks[op]
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs[op]
}

func (g *fakeGateway) setErr(op string, err error) {
	g.mu.Lock()
	g.errs[op] = err
	g.mu.Unlock()
}

func (g *fakeGateway) setHook(op string, hook func()) {
	g.mu.Lock()
	g.hooks[op] = hook
	g.mu.Unlock()
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) deletedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deleted...)
}

// id returns the next server id. Generated ids never collide with seeded ones.
func (g *fakeGateway) id(prefix string) string {
	if len(g.assign) > 0 {
		id := g.assign[0]
		g.assign = g.assign[1:]
		return id
	}
	g.next++
	return fmt.Sprintf("srv-%s%d", prefix, g.next)
}

// seed adds a session with tabs whose ids are given.
func (g *fakeGateway) seed(id, name string, tabIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	session := &models.Session{ID: id, Name: name, CreatedAt: now, UpdatedAt: now, Tabs: []models.Tab{}}
	for i, tabID := range tabIDs {
		session.Tabs = append(session.Tabs, models.Tab{
			ID:        tabID,
			SessionID: id,
			Title:     "Tab " + tabID,
			URL:       "https://example.com/" + tabID,
			TabIndex:  i,
		})
	}
	g.sessions = append(g.sessions, session)
}

func (g *fakeGateway) find(id string) *models.Session {
	for _, s := range g.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (g *fakeGateway) ListSessions(ctx context.Context, opts models.ListOptions) ([]models.Session, error) {
	if err := g.enter("ListSessions"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	out := make([]models.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		c := s.Clone()
		if g.listWithoutTabs {
			c.Tabs = nil
		}
		out = append(out, c)
	}
	after := g.afterList
	g.mu.Unlock()
	if after != nil {
		after()
	}
	return out, nil
}

func (g *fakeGateway) GetSession(ctx context.Context, id string) (models.Session, error) {
	if err := g.enter("GetSession"); err != nil {
		return models.Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.find(id)
	if s == nil {
		return models.Session{}, models.ErrNotFound
	}
	return s.Clone(), nil
}

func (g *fakeGateway) CreateSession(ctx context.Context, name string, isWindowSession bool, drafts []models.TabDraft) (models.Session, error) {
	if err := g.enter("CreateSession"); err != nil {
		return models.Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	session := &models.Session{
		ID:              g.id("s"),
		Name:            name,
		IsWindowSession: isWindowSession,
		CreatedAt:       now,
		UpdatedAt:       now,
		Tabs:            []models.Tab{},
	}
	g.sessions = append(g.sessions, session)
	if g.partial {
		return models.Session{}, &models.PartialCreateError{SessionID: session.ID, Err: models.ErrUnavailable}
	}
	for _, d := range drafts {
		session.Tabs = append(session.Tabs, models.Tab{
			ID:          g.id("t"),
			SessionID:   session.ID,
			Title:       d.Title,
			URL:         d.URL,
			TabIndex:    d.TabIndex,
			WindowIndex: d.WindowIndex,
			CreatedAt:   now,
		})
	}
	return session.Clone(), nil
}

func (g *fakeGateway) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error) {
	if err := g.enter("UpdateSession"); err != nil {
		return models.Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.find(id)
	if s == nil {
		return models.Session{}, models.ErrNotFound
	}
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.IsStarred != nil {
		s.IsStarred = *patch.IsStarred
	}
	s.UpdatedAt = g.clock.Now()
	out := s.Clone()
	out.Tabs = nil
	return out, nil
}

func (g *fakeGateway) DeleteSession(ctx context.Context, id string) error {
	if err := g.enter("DeleteSession"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, id)
	for i, s := range g.sessions {
		if s.ID == id {
			g.sessions = append(g.sessions[:i], g.sessions[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) AddTab(ctx context.Context, sessionID string, draft models.TabDraft) (models.Tab, error) {
	if err := g.enter("AddTab"); err != nil {
		return models.Tab{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.find(sessionID)
	if s == nil {
		return models.Tab{}, models.ErrNotFound
	}
	tab := models.Tab{
		ID:          g.id("t"),
		SessionID:   sessionID,
		Title:       draft.Title,
		URL:         draft.URL,
		TabIndex:    draft.TabIndex,
		WindowIndex: draft.WindowIndex,
		CreatedAt:   g.clock.Now(),
	}
	s.Tabs = append(s.Tabs, tab)
	return tab, nil
}

func (g *fakeGateway) UpdateTab(ctx context.Context, tabID string, patch models.TabPatch) (models.Tab, error) {
	if err := g.enter("UpdateTab"); err != nil {
		return models.Tab{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if i := s.TabIndexOf(tabID); i >= 0 {
			s.Tabs[i] = patch.Apply(s.Tabs[i])
			return s.Tabs[i], nil
		}
	}
	return models.Tab{}, models.ErrNotFound
}

func (g *fakeGateway) DeleteTab(ctx context.Context, tabID string) error {
	if err := g.enter("DeleteTab"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if i := s.TabIndexOf(tabID); i >= 0 {
			s.Tabs = append(s.Tabs[:i], s.Tabs[i+1:]...)
		}
	}
	return nil
}

func (g *fakeGateway) RestoreRequest(ctx context.Context, sessionID string) ([]models.Tab, error) {
	if err := g.enter("RestoreRequest"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.find(sessionID)
	if s == nil {
		return nil, models.ErrNotFound
	}
	tabs := s.Clone().Tabs
	models.SortTabs(tabs)
	return tabs, nil
}

// fakeFeed records the handlers of the latest join per session.
type fakeFeed struct {
	mu         sync.Mutex
	handlers   map[string]realtime.Handlers
	presence   map[string]realtime.PresenceHandlers
	joins      map[string]int
	stopped    map[string]int
	broadcasts []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers: make(map[string]realtime.Handlers),
		presence: make(map[string]realtime.PresenceHandlers),
		joins:    make(map[string]int),
		stopped:  make(map[string]int),
	}
}

func (f *fakeFeed) Join(sessionID string, h realtime.Handlers) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[sessionID] = h
	f.joins[sessionID]++
	return func() {
		f.mu.Lock()
		f.stopped[sessionID]++
		f.mu.Unlock()
	}
}

func (f *fakeFeed) JoinPresence(sessionID string, user models.PresenceUser, h realtime.PresenceHandlers) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[sessionID] = h
	return func() {}
}

func (f *fakeFeed) Broadcast(sessionID, event string, payload interface{}) error {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, sessionID+":"+event)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) handlersFor(sessionID string) realtime.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[sessionID]
}

func (f *fakeFeed) presenceFor(sessionID string) realtime.PresenceHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence[sessionID]
}

func (f *fakeFeed) counts(sessionID string) (joins, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[sessionID], f.stopped[sessionID]
}
