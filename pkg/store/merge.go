package store

import (
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

// ApplyTabInserted merges a tab the server reported as inserted. Inserting a
// tab that is already present, or that was deleted, is a no-op.
func (s *Store) ApplyTabInserted(tab models.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTabInsertedLocked(tab)
}

func (s *Store) applyTabInsertedLocked(tab models.Tab) {
	e := s.entries[tab.SessionID]
	if e == nil {
		return
	}
	if e.session.Tabs == nil {
		if e.loading > 0 {
			e.buffered = append(e.buffered, bufferedEvent{kind: bufInsert, tab: tab})
		}
		return
	}
	if s.insertTabLocked(e, tab) {
		s.changed(tab.SessionID)
	}
}

func (s *Store) insertTabLocked(e *entry, tab models.Tab) bool {
	if s.tombstoned(tab.ID) {
		return false
	}
	if e.session.TabIndexOf(tab.ID) >= 0 {
		return false
	}
	s.confirmLocked(tab.ID)
	e.session.Tabs = append(e.session.Tabs, tab)
	if tab.CreatedAt.After(e.session.UpdatedAt) {
		e.session.UpdatedAt = tab.CreatedAt
	}
	return true
}

// ApplyTabUpdated replaces a loaded tab by id. Tabs with a pending local
// edit are left alone until the edit settles.
func (s *Store) ApplyTabUpdated(tab models.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTabUpdatedLocked(tab)
}

func (s *Store) applyTabUpdatedLocked(tab models.Tab) {
	e := s.entries[tab.SessionID]
	if e == nil {
		return
	}
	if e.session.Tabs == nil {
		if e.loading > 0 {
			e.buffered = append(e.buffered, bufferedEvent{kind: bufUpdate, tab: tab})
		}
		return
	}
	if s.updateTabLocked(e, tab) {
		s.changed(tab.SessionID)
	}
}

func (s *Store) updateTabLocked(e *entry, tab models.Tab) bool {
	if _, editing := s.tabEdits[tab.ID]; editing {
		return false
	}
	i := e.session.TabIndexOf(tab.ID)
	if i < 0 {
		// an update for a tab we never saw counts as an insert
		return s.insertTabLocked(e, tab)
	}
	e.session.Tabs[i] = tab
	return true
}

// ApplyTabDeleted removes a tab and remembers its id so a late insert or
// reload cannot bring it back. Deleting an absent tab is a no-op.
func (s *Store) ApplyTabDeleted(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTabDeletedLocked(tabID, "")
}

// applyTabDeletedLocked removes a tab. sessionID is the watched session the
// event came from, if known: while its tabs are loading the tab is not local
// yet but the snapshot in flight may still list it.
func (s *Store) applyTabDeletedLocked(tabID, sessionID string) {
	e, i := s.findTabLocked(tabID)
	if e == nil {
		if w := s.entries[sessionID]; w != nil && w.loading > 0 {
			s.tombstoneLocked(sessionID, tabID)
		}
		return
	}
	s.tombstoneLocked(e.session.ID, tabID)
	e.session.Tabs = append(e.session.Tabs[:i], e.session.Tabs[i+1:]...)
	s.changed(e.session.ID)
}

// ApplySessionUpdated merges a remote session patch. Fields with a pending
// local write are skipped unless the patch is at least as new as that write.
func (s *Store) ApplySessionUpdated(patch models.RemoteSessionPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySessionUpdatedLocked(patch)
}

func (s *Store) applySessionUpdatedLocked(patch models.RemoteSessionPatch) {
	e := s.entries[patch.ID]
	if e == nil {
		return
	}
	stale := func(field string) bool {
		mark, ok := e.fields[field]
		if !ok {
			return false
		}
		return patch.UpdatedAt == nil || patch.UpdatedAt.Before(mark.issuedAt)
	}
	changed := false
	if patch.Name != nil && !stale(fieldName) && e.session.Name != *patch.Name {
		e.session.Name = *patch.Name
		changed = true
	}
	if patch.IsStarred != nil && !stale(fieldStarred) && e.session.IsStarred != *patch.IsStarred {
		e.session.IsStarred = *patch.IsStarred
		changed = true
	}
	if patch.UpdatedAt != nil && patch.UpdatedAt.After(e.session.UpdatedAt) {
		e.session.UpdatedAt = *patch.UpdatedAt
		changed = true
	}
	if changed {
		s.changed(patch.ID)
	}
}

// ApplySessionDeleted drops a session deleted elsewhere.
func (s *Store) ApplySessionDeleted(sessionID string) {
	s.mu.Lock()
	s.deleted[sessionID] = struct{}{}
	e := s.entries[sessionID]
	w := s.watches[sessionID]
	delete(s.watches, sessionID)
	if e != nil {
		s.removeLocked(sessionID)
	}
	s.mu.Unlock()

	if w != nil {
		for _, stop := range w.stop {
			stop()
		}
	}
	if e != nil {
		s.log.Info("session deleted remotely", "session", sessionID)
		s.changed(sessionID)
	}
}

// ApplyPresence replaces the presence set of a session.
func (s *Store) ApplyPresence(sessionID string, members []models.PresenceMember) {
	s.mu.Lock()
	if s.entries[sessionID] == nil {
		s.mu.Unlock()
		return
	}
	set := make([]models.PresenceMember, len(members))
	copy(set, members)
	s.presence[sessionID] = set
	s.mu.Unlock()
	s.bus.publish(Event{Type: EventPresence, SessionID: sessionID, Presence: set})
}

// Watch joins the change feed of a session and merges its events. Watching
// an already watched session replaces the previous subscription.
func (s *Store) Watch(sessionID string) {
	if s.feed == nil {
		return
	}
	s.mu.Lock()
	if e := s.entries[sessionID]; e == nil || e.temp {
		s.mu.Unlock()
		return
	}
	old := s.watches[sessionID]
	w := &watch{sessionID: sessionID, state: realtime.StateConnecting}
	s.watches[sessionID] = w
	s.mu.Unlock()

	if old != nil {
		for _, stop := range old.stop {
			stop()
		}
	}

	stop := s.feed.Join(sessionID, realtime.Handlers{
		OnTabInserted: func(tab models.Tab) {
			s.fromWatch(w, func() { s.applyTabInsertedLocked(tab) })
		},
		OnTabUpdated: func(tab models.Tab) {
			s.fromWatch(w, func() { s.applyTabUpdatedLocked(tab) })
		},
		OnTabDeleted: func(tabID string) {
			s.fromWatch(w, func() { s.applyTabDeletedLocked(tabID, sessionID) })
		},
		OnSessionUpdated: func(patch models.RemoteSessionPatch) {
			s.fromWatch(w, func() { s.applySessionUpdatedLocked(patch) })
		},
		OnSessionDeleted: func(id string) {
			if s.current(w) {
				s.ApplySessionDeleted(id)
			}
		},
		OnState: func(state realtime.State) {
			s.mu.Lock()
			if s.watches[sessionID] != w {
				s.mu.Unlock()
				return
			}
			w.state = state
			s.mu.Unlock()
			s.log.Debug("feed state", "session", sessionID, "state", state)
			s.bus.publish(Event{Type: EventFeed, SessionID: sessionID, FeedState: state})
		},
	})
	stops := []func(){stop}
	if s.opts.Presence != nil {
		stops = append(stops, s.feed.JoinPresence(sessionID, *s.opts.Presence, realtime.PresenceHandlers{
			OnSync: func(members []models.PresenceMember) {
				if s.current(w) {
					s.ApplyPresence(sessionID, members)
				}
			},
		}))
	}

	s.mu.Lock()
	if s.watches[sessionID] == w {
		w.stop = stops
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// unwatched while joining
	for _, stop := range stops {
		stop()
	}
}

func (s *Store) current(w *watch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches[w.sessionID] == w
}

func (s *Store) fromWatch(w *watch, apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watches[w.sessionID] != w {
		return
	}
	apply()
}

// Unwatch leaves the change feed of a session.
func (s *Store) Unwatch(sessionID string) {
	s.mu.Lock()
	w := s.watches[sessionID]
	delete(s.watches, sessionID)
	delete(s.presence, sessionID)
	s.mu.Unlock()
	if w == nil {
		return
	}
	for _, stop := range w.stop {
		stop()
	}
}

// FeedState returns the feed state of a watched session, or StateClosed.
func (s *Store) FeedState(sessionID string) realtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.watches[sessionID]
	if w == nil {
		return realtime.StateClosed
	}
	return w.state
}

// Broadcast sends an ephemeral event to the other viewers of a session.
func (s *Store) Broadcast(sessionID, event string, payload interface{}) error {
	if s.feed == nil {
		return nil
	}
	return s.feed.Broadcast(sessionID, event, payload)
}
