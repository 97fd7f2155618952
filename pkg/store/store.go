package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

// DefaultUndoWindow 删除后可撤销的时长
const DefaultUndoWindow = 5 * time.Second

// tempPrefix marks ids assigned locally before the server confirmed a row.
const tempPrefix = "tmp-"

// ErrUndoExpired is returned by Undo for unknown, used or expired tokens.
var ErrUndoExpired = models.NewError(models.KindInvalid, "undo", "undo window expired", nil)

// Gateway is the subset of the remote gateway the store needs.
type Gateway interface {
	ListSessions(ctx context.Context, opts models.ListOptions) ([]models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	CreateSession(ctx context.Context, name string, isWindowSession bool, tabs []models.TabDraft) (models.Session, error)
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AddTab(ctx context.Context, sessionID string, draft models.TabDraft) (models.Tab, error)
	UpdateTab(ctx context.Context, tabID string, patch models.TabPatch) (models.Tab, error)
	DeleteTab(ctx context.Context, tabID string) error
	RestoreRequest(ctx context.Context, sessionID string) ([]models.Tab, error)
}

// Feed is the change feed the store merges from. *realtime.Client implements it.
type Feed interface {
	Join(sessionID string, h realtime.Handlers) func()
	JoinPresence(sessionID string, user models.PresenceUser, h realtime.PresenceHandlers) func()
	Broadcast(sessionID, event string, payload interface{}) error
}

// Options configures a Store.
type Options struct {
	UndoWindow time.Duration
	Clock      func() time.Time
	Logger     pslog.Logger
	// Presence is tracked on watched sessions when set.
	Presence *models.PresenceUser
}

// pending marks a field written optimistically and not yet confirmed.
type pending struct {
	seq      uint64
	issuedAt time.Time
	prior    interface{}
}

const (
	fieldName    = "name"
	fieldStarred = "is_starred"
)

type bufferedKind int

const (
	bufInsert bufferedKind = iota
	bufUpdate
)

type bufferedEvent struct {
	kind bufferedKind
	tab  models.Tab
}

type entry struct {
	session models.Session
	temp    bool
	fields  map[string]pending
	loading int
	// feed events received while the first tab load is in flight
	buffered []bufferedEvent
}

type watch struct {
	sessionID string
	state     realtime.State
	stop      []func()
}

// tombstone remembers a tab deleted locally or by the feed so that a snapshot
// issued before the delete cannot bring it back.
type tombstone struct {
	sessionID string
	seq       uint64
}

type undoRecord struct {
	token   UndoToken
	session models.Session
	tab     models.Tab
	index   int
	timer   *time.Timer
}

// Store 会话的本地副本：乐观修改、远端对账、变更合并、撤销
type Store struct {
	gw    Gateway
	feed  Feed
	opts  Options
	log   pslog.Logger
	loads singleflight.Group
	bus   *notifier

	mu         sync.Mutex
	order      []string
	entries    map[string]*entry
	tombstones map[string]tombstone
	// ids confirmed by the server, with the seq they were confirmed at
	confirmed  map[string]uint64
	fetching   int
	deleted    map[string]struct{}
	cancelled  map[string]struct{}
	tabEdits   map[string]uint64
	undo       map[string]*undoRecord
	watches    map[string]*watch
	presence   map[string][]models.PresenceMember
	gen        uint64
	seq        uint64
	loaded     bool
	loadErr    error
}

// New creates a store. feed may be nil, in which case Watch is a no-op.
func New(gw Gateway, feed Feed, opts Options) *Store {
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = DefaultUndoWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	log := opts.Logger.With("component", "store")
	s := &Store{
		gw:   gw,
		feed: feed,
		opts: opts,
		log:  log,
		bus:  newNotifier(log),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	for _, u := range s.undo {
		u.timer.Stop()
	}
	s.order = nil
	s.entries = make(map[string]*entry)
	s.tombstones = make(map[string]tombstone)
	s.confirmed = make(map[string]uint64)
	s.fetching = 0
	s.deleted = make(map[string]struct{})
	s.cancelled = make(map[string]struct{})
	s.tabEdits = make(map[string]uint64)
	s.undo = make(map[string]*undoRecord)
	s.watches = make(map[string]*watch)
	s.presence = make(map[string][]models.PresenceMember)
	s.loaded = false
	s.loadErr = nil
}

// Subscribe returns a channel of store events and a cancel function.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.bus.subscribe()
}

func (s *Store) changed(sessionID string) {
	s.bus.publish(Event{Type: EventChanged, SessionID: sessionID})
}

func (s *Store) notify(n Notice) {
	if n.Err != nil {
		s.log.Warn("operation failed", "op", n.Op, "session", n.SessionID, "tab", n.TabID, "err", n.Err)
	}
	s.bus.publish(Event{Type: EventNotice, SessionID: n.SessionID, Notice: &n})
}

func (s *Store) fail(op, sessionID, tabID string, err error) error {
	s.notify(Notice{
		Level:     LevelError,
		Op:        op,
		Message:   failureMessage(op, err),
		Err:       err,
		SessionID: sessionID,
		TabID:     tabID,
	})
	return err
}

func failureMessage(op string, err error) string {
	switch models.KindOf(err) {
	case models.KindUnauthorized:
		return "Sign in to " + op
	case models.KindNotFound:
		return "Could not " + op + ": it no longer exists"
	case models.KindInvalid:
		var e *models.Error
		if errors.As(err, &e) && e.Message != "" {
			return "Could not " + op + ": " + e.Message
		}
		return "Could not " + op
	case models.KindConflict:
		return "Could not " + op + ": it was changed elsewhere"
	}
	return "Could not " + op + ": backend unavailable, try again"
}

func newTempID() string {
	return tempPrefix + uuid.New().String()
}

func isTemp(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// beginFetchLocked marks a snapshot request as issued and returns the seq it
// was issued at. Rows confirmed after that seq survive the snapshot.
func (s *Store) beginFetchLocked() uint64 {
	s.fetching++
	return s.seq
}

func (s *Store) endFetchLocked() {
	s.fetching--
	if s.fetching == 0 {
		// every later snapshot is issued after these confirmations
		clear(s.confirmed)
	}
}

func (s *Store) confirmLocked(id string) {
	s.seq++
	s.confirmed[id] = s.seq
}

func (s *Store) confirmedSince(id string, since uint64) bool {
	seq, ok := s.confirmed[id]
	return ok && seq > since
}

func (s *Store) tombstoneLocked(sessionID, tabID string) {
	s.seq++
	s.tombstones[tabID] = tombstone{sessionID: sessionID, seq: s.seq}
}

func (s *Store) tombstoned(tabID string) bool {
	_, ok := s.tombstones[tabID]
	return ok
}

// Loaded 是否已成功加载过会话列表
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// LoadError 最近一次 Load 的错误，成功后清空
func (s *Store) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Sessions returns deep copies of all sessions in display order.
func (s *Store) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].session.Clone())
	}
	return out
}

// Session returns a deep copy of one session.
func (s *Store) Session(id string) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return models.Session{}, false
	}
	return e.session.Clone(), true
}

// Search matches sessions by name, tab title or tab url, case-insensitively.
// An empty query returns every session.
func (s *Store) Search(query string) []models.Session {
	q := strings.ToLower(strings.TrimSpace(query))
	all := s.Sessions()
	if q == "" {
		return all
	}
	out := make([]models.Session, 0, len(all))
	for _, session := range all {
		if strings.Contains(strings.ToLower(session.Name), q) {
			out = append(out, session)
			continue
		}
		for _, t := range session.Tabs {
			if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.URL), q) {
				out = append(out, session)
				break
			}
		}
	}
	return out
}

// Presence returns the members currently online in a watched session.
func (s *Store) Presence(sessionID string) []models.PresenceMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.presence[sessionID]
	out := make([]models.PresenceMember, len(members))
	copy(out, members)
	return out
}

// Load fetches the session list. Concurrent calls share one request.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	_, err, shared := s.loads.Do("load:"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return nil, s.load(ctx, gen)
	})
	if shared {
		s.log.Debug("load coalesced")
	}
	return err
}

func (s *Store) load(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	since := s.beginFetchLocked()
	s.mu.Unlock()

	sessions, err := s.gw.ListSessions(ctx, models.ListOptions{})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("discarding load from previous credential")
		return nil
	}
	defer s.endFetchLocked()
	if err != nil {
		s.loadErr = err
		s.changed("")
		s.fail("load sessions", "", "", err)
		return err
	}

	incoming := make(map[string]models.Session, len(sessions))
	fresh := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if _, gone := s.deleted[session.ID]; gone {
			continue
		}
		if _, dup := incoming[session.ID]; dup {
			continue
		}
		incoming[session.ID] = session
		if s.entries[session.ID] == nil {
			fresh = append(fresh, session.ID)
		}
	}

	// new ids first in server order, then known ids in local order
	order := make([]string, 0, len(incoming)+len(s.order))
	order = append(order, fresh...)
	for _, id := range s.order {
		e := s.entries[id]
		if e.temp {
			order = append(order, id)
			continue
		}
		server, ok := incoming[id]
		if !ok {
			if s.confirmedSince(id, since) {
				// created after the list was requested
				order = append(order, id)
				continue
			}
			s.dropTombstonesLocked(id)
			delete(s.entries, id)
			continue
		}
		s.mergeSessionLocked(e, server, since)
		order = append(order, id)
	}
	for _, id := range fresh {
		session := incoming[id]
		if session.Tabs != nil {
			session.Tabs = s.mergeTabsLocked(id, nil, session.Tabs, since)
		}
		s.entries[id] = &entry{session: session, fields: make(map[string]pending)}
	}
	s.order = order
	s.loaded = true
	s.loadErr = nil
	s.changed("")
	return nil
}

// mergeSessionLocked folds a snapshot issued at since into a tracked entry,
// keeping fields with a pending local write.
func (s *Store) mergeSessionLocked(e *entry, server models.Session, since uint64) {
	local := e.session
	merged := server
	if _, ok := e.fields[fieldName]; ok {
		merged.Name = local.Name
	}
	if _, ok := e.fields[fieldStarred]; ok {
		merged.IsStarred = local.IsStarred
	}
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}
	if server.Tabs == nil {
		merged.Tabs = local.Tabs
	} else {
		merged.Tabs = s.mergeTabsLocked(local.ID, local.Tabs, server.Tabs, since)
	}
	e.session = merged
}

// mergeTabsLocked combines a tab snapshot issued at since with the local
// list. Local order wins for known ids and unseen server tabs are appended in
// server order. Tombstoned tabs are dropped. In-flight optimistic tabs and
// tabs confirmed after since are kept. Both nil means not loaded.
func (s *Store) mergeTabsLocked(sessionID string, local, server []models.Tab, since uint64) []models.Tab {
	if local == nil && server == nil {
		return nil
	}
	listed := make(map[string]bool, len(server))
	for _, t := range server {
		listed[t.ID] = true
	}
	for id, ts := range s.tombstones {
		// the delete happened before this snapshot was issued and the
		// server no longer lists the tab
		if ts.sessionID == sessionID && ts.seq <= since && !listed[id] {
			delete(s.tombstones, id)
		}
	}

	byID := make(map[string]models.Tab, len(server))
	for _, t := range server {
		if s.tombstoned(t.ID) {
			continue
		}
		byID[t.ID] = t
	}
	out := make([]models.Tab, 0, len(server)+len(local))
	seen := make(map[string]bool, len(server))
	for _, t := range local {
		if isTemp(t.ID) {
			out = append(out, t)
			continue
		}
		if seen[t.ID] {
			continue
		}
		if fresh, ok := byID[t.ID]; ok {
			if _, editing := s.tabEdits[t.ID]; editing {
				fresh = t
			}
			out = append(out, fresh)
			seen[t.ID] = true
			continue
		}
		if !s.tombstoned(t.ID) && s.confirmedSince(t.ID, since) {
			out = append(out, t)
			seen[t.ID] = true
		}
	}
	for _, t := range server {
		if _, ok := byID[t.ID]; !ok || seen[t.ID] {
			continue
		}
		out = append(out, t)
		seen[t.ID] = true
	}
	return out
}

// LoadTabs fetches the authoritative copy of one session and its tabs.
func (s *Store) LoadTabs(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e := s.entries[sessionID]
	if e == nil {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "load tabs", "session not found", nil)
	}
	if e.temp {
		s.mu.Unlock()
		return nil
	}
	e.loading++
	gen := s.gen
	since := s.beginFetchLocked()
	s.mu.Unlock()

	session, err := s.gw.GetSession(ctx, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	defer s.endFetchLocked()
	e.loading--
	if s.entries[sessionID] != e {
		return nil
	}
	if err != nil {
		if e.loading == 0 {
			s.replayLocked(e)
		}
		return s.fail("load tabs", sessionID, "", err)
	}
	if session.Tabs == nil {
		session.Tabs = []models.Tab{}
	}
	s.mergeSessionLocked(e, session, since)
	if e.loading == 0 {
		s.replayLocked(e)
	}
	s.changed(sessionID)
	return nil
}

func (s *Store) replayLocked(e *entry) {
	buffered := e.buffered
	e.buffered = nil
	if e.session.Tabs == nil {
		return
	}
	for _, ev := range buffered {
		switch ev.kind {
		case bufInsert:
			s.insertTabLocked(e, ev.tab)
		case bufUpdate:
			s.updateTabLocked(e, ev.tab)
		}
	}
}

// RestorePlan fetches the authoritative tabs of a session and groups them into
// windows. Tabs keep the local display order when the session is loaded.
func (s *Store) RestorePlan(ctx context.Context, sessionID string) (models.RestorePlan, error) {
	s.mu.Lock()
	e := s.entries[sessionID]
	if e == nil {
		s.mu.Unlock()
		return models.RestorePlan{}, models.NewError(models.KindNotFound, "restore", "session not found", nil)
	}
	if e.temp {
		s.mu.Unlock()
		return models.RestorePlan{}, models.NewError(models.KindInvalid, "restore", "session is still being saved", nil)
	}
	isWindow := e.session.IsWindowSession
	s.mu.Unlock()

	tabs, err := s.gw.RestoreRequest(ctx, sessionID)
	if err != nil {
		return models.RestorePlan{}, s.fail("restore session", sessionID, "", err)
	}

	s.mu.Lock()
	if e := s.entries[sessionID]; e != nil && e.session.Tabs != nil {
		tabs = orderLike(e.session.Tabs, tabs)
	}
	s.mu.Unlock()

	return models.PlanRestore(sessionID, isWindow, tabs), nil
}

// orderLike sorts tabs by their position in local; unknown tabs keep their
// relative order at the end.
func orderLike(local, tabs []models.Tab) []models.Tab {
	pos := make(map[string]int, len(local))
	for i, t := range local {
		pos[t.ID] = i
	}
	known := make([]models.Tab, 0, len(tabs))
	var rest []models.Tab
	for _, t := range tabs {
		if _, ok := pos[t.ID]; ok {
			known = append(known, t)
		} else {
			rest = append(rest, t)
		}
	}
	sort.SliceStable(known, func(i, j int) bool {
		return pos[known[i].ID] < pos[known[j].ID]
	})
	return append(known, rest...)
}

// ReorderSessions moves the listed sessions to the front in the given order.
// Unknown ids are ignored; the rest keep their relative order. Local only.
func (s *Store) ReorderSessions(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = reorder(s.order, ids, func(id string) bool { return s.entries[id] != nil })
	s.changed("")
}

// ReorderTabs reorders the loaded tabs of a session. Local only.
func (s *Store) ReorderTabs(sessionID string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[sessionID]
	if e == nil || e.session.Tabs == nil {
		return
	}
	byID := make(map[string]models.Tab, len(e.session.Tabs))
	current := make([]string, 0, len(e.session.Tabs))
	for _, t := range e.session.Tabs {
		byID[t.ID] = t
		current = append(current, t.ID)
	}
	next := reorder(current, ids, func(id string) bool { _, ok := byID[id]; return ok })
	tabs := make([]models.Tab, 0, len(next))
	for _, id := range next {
		tabs = append(tabs, byID[id])
	}
	e.session.Tabs = tabs
	s.changed(sessionID)
}

func reorder(current, ids []string, known func(string) bool) []string {
	out := make([]string, 0, len(current))
	placed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if placed[id] || !known(id) {
			continue
		}
		placed[id] = true
		out = append(out, id)
	}
	for _, id := range current {
		if !placed[id] {
			out = append(out, id)
		}
	}
	return out
}

// HandleCredentialChange drops all local state and closes every feed. A
// non-nil credential reloads the session list for the new user. Results of
// requests issued before the change are discarded.
func (s *Store) HandleCredentialChange(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	s.gen++
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.resetLocked()
	s.mu.Unlock()

	for _, w := range watches {
		for _, stop := range w.stop {
			stop()
		}
	}
	s.changed("")

	if cred == nil {
		s.log.Info("signed out, local state cleared")
		return nil
	}
	s.log.Info("credential changed, reloading", "user", cred.UserID)
	return s.Load(ctx)
}

// indexOf 会话在显示顺序中的位置
func (s *Store) indexOf(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id string) {
	if i := s.indexOf(id); i >= 0 {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
	delete(s.entries, id)
	delete(s.presence, id)
	s.dropTombstonesLocked(id)
}

func (s *Store) dropTombstonesLocked(sessionID string) {
	for id, ts := range s.tombstones {
		if ts.sessionID == sessionID {
			delete(s.tombstones, id)
		}
	}
}

// findTabLocked returns the entry holding a loaded tab and its index.
func (s *Store) findTabLocked(tabID string) (*entry, int) {
	for _, id := range s.order {
		e := s.entries[id]
		if i := e.session.TabIndexOf(tabID); i >= 0 {
			return e, i
		}
	}
	return nil, -1
}
