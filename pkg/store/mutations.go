package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tab-session-sync/pkg/models"
)

// undoFetchTimeout bounds how long a delete of an unloaded session waits for
// the tabs undo would need.
const undoFetchTimeout = 2 * time.Second

// CreateSession inserts the session at the front immediately and replaces it
// with the server copy once the gateway confirms. On failure the optimistic
// entry is removed again.
func (s *Store) CreateSession(ctx context.Context, name string, isWindowSession bool, drafts []models.TabDraft) (models.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		err := models.NewError(models.KindInvalid, "create session", "name is required", nil)
		return models.Session{}, s.fail("save session", "", "", err)
	}
	return s.createSession(ctx, name, isWindowSession, drafts, 0)
}

func (s *Store) createSession(ctx context.Context, name string, isWindowSession bool, drafts []models.TabDraft, at int) (models.Session, error) {
	s.mu.Lock()
	now := s.opts.Clock()
	tempID := newTempID()
	tabs := make([]models.Tab, 0, len(drafts))
	for _, d := range drafts {
		tabs = append(tabs, models.Tab{
			ID:          newTempID(),
			SessionID:   tempID,
			Title:       d.Title,
			URL:         d.URL,
			TabIndex:    d.TabIndex,
			WindowIndex: d.WindowIndex,
			CreatedAt:   now,
		})
	}
	s.entries[tempID] = &entry{
		session: models.Session{
			ID:              tempID,
			Name:            name,
			IsWindowSession: isWindowSession,
			CreatedAt:       now,
			UpdatedAt:       now,
			Tabs:            tabs,
		},
		temp:   true,
		fields: make(map[string]pending),
	}
	if at < 0 || at > len(s.order) {
		at = 0
	}
	s.order = append(s.order[:at], append([]string{tempID}, s.order[at:]...)...)
	gen := s.gen
	s.changed(tempID)
	s.mu.Unlock()

	created, err := s.gw.CreateSession(ctx, name, isWindowSession, drafts)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return created, err
	}
	e := s.entries[tempID]
	_, cancelled := s.cancelled[tempID]
	delete(s.cancelled, tempID)

	if err != nil {
		if e != nil {
			s.removeLocked(tempID)
			s.changed(tempID)
		}
		s.mu.Unlock()
		var partial *models.PartialCreateError
		if errors.As(err, &partial) && partial.SessionID != "" {
			s.discardRemote(ctx, partial.SessionID)
		}
		return models.Session{}, s.fail("save session", "", "", err)
	}

	if e == nil {
		s.mu.Unlock()
		if cancelled {
			s.discardRemote(ctx, created.ID)
		}
		return created, nil
	}

	if created.Tabs == nil {
		created.Tabs = []models.Tab{}
	}
	i := s.indexOf(tempID)
	if existing := s.entries[created.ID]; existing != nil {
		// a concurrent load already picked the new row up
		if j := s.indexOf(created.ID); j >= 0 {
			s.order = append(s.order[:j], s.order[j+1:]...)
			if j < i {
				i--
			}
		}
	}
	s.order[i] = created.ID
	delete(s.entries, tempID)
	s.entries[created.ID] = &entry{session: created.Clone(), fields: make(map[string]pending)}
	s.confirmLocked(created.ID)
	for _, t := range created.Tabs {
		s.confirmLocked(t.ID)
	}
	s.changed(created.ID)
	s.mu.Unlock()

	s.log.Info("session created", "session", created.ID, "tabs", len(created.Tabs))
	return created, nil
}

// discardRemote deletes a row the user no longer wants, best effort.
func (s *Store) discardRemote(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.gw.DeleteSession(ctx, sessionID); err != nil {
		s.log.Warn("failed to delete orphaned session", "session", sessionID, "err", err)
		return
	}
	s.log.Debug("orphaned session deleted", "session", sessionID)
}

// Rename 重命名会话
func (s *Store) Rename(ctx context.Context, id, name string) (models.Session, error) {
	return s.UpdateSession(ctx, id, models.SessionPatch{Name: &name})
}

// SetStarred 设置星标
func (s *Store) SetStarred(ctx context.Context, id string, starred bool) (models.Session, error) {
	return s.UpdateSession(ctx, id, models.SessionPatch{IsStarred: &starred})
}

// UpdateSession writes the patch locally, then remotely. A failed write
// restores the previous values unless a later edit touched the same field.
func (s *Store) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.Session, error) {
	if patch.IsEmpty() {
		err := models.NewError(models.KindInvalid, "update session", "nothing to update", nil)
		return models.Session{}, s.fail("update session", id, "", err)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			err := models.NewError(models.KindInvalid, "update session", "name is required", nil)
			return models.Session{}, s.fail("rename session", id, "", err)
		}
		patch.Name = &name
	}

	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		err := models.NewError(models.KindNotFound, "update session", "session not found", nil)
		return models.Session{}, s.fail("update session", id, "", err)
	}
	if e.temp {
		s.mu.Unlock()
		err := models.NewError(models.KindInvalid, "update session", "session is still being saved", nil)
		return models.Session{}, s.fail("update session", id, "", err)
	}
	s.seq++
	seq := s.seq
	now := s.opts.Clock()
	if patch.Name != nil {
		e.fields[fieldName] = pending{seq: seq, issuedAt: now, prior: e.session.Name}
		e.session.Name = *patch.Name
	}
	if patch.IsStarred != nil {
		e.fields[fieldStarred] = pending{seq: seq, issuedAt: now, prior: e.session.IsStarred}
		e.session.IsStarred = *patch.IsStarred
	}
	if now.After(e.session.UpdatedAt) {
		e.session.UpdatedAt = now
	}
	gen := s.gen
	s.changed(id)
	s.mu.Unlock()

	updated, err := s.gw.UpdateSession(ctx, id, patch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return updated, err
	}
	op := "update session"
	if patch.Name != nil {
		op = "rename session"
	} else if patch.IsStarred != nil {
		op = "star session"
	}
	e = s.entries[id]
	if e == nil {
		// deleted while the request was in flight
		if err != nil {
			return models.Session{}, s.fail(op, id, "", err)
		}
		return updated, nil
	}

	// a 204 carries no representation
	represented := err == nil && !updated.UpdatedAt.IsZero()
	for _, field := range []string{fieldName, fieldStarred} {
		mark, ok := e.fields[field]
		if !ok || mark.seq != seq {
			continue
		}
		delete(e.fields, field)
		switch {
		case err != nil && field == fieldName:
			e.session.Name = mark.prior.(string)
		case err != nil && field == fieldStarred:
			e.session.IsStarred = mark.prior.(bool)
		case represented && field == fieldName:
			e.session.Name = updated.Name
		case represented && field == fieldStarred:
			e.session.IsStarred = updated.IsStarred
		}
	}
	if represented && updated.UpdatedAt.After(e.session.UpdatedAt) {
		e.session.UpdatedAt = updated.UpdatedAt
	}
	s.changed(id)
	if err != nil {
		return models.Session{}, s.fail(op, id, "", err)
	}
	return e.session.Clone(), nil
}

// DeleteSession removes the session locally, then remotely. A failed remote
// delete is reported but not rolled back; calling again retries. On success
// the returned token can undo the delete within the undo window.
func (s *Store) DeleteSession(ctx context.Context, id string) (*UndoToken, error) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		if isTemp(id) {
			return nil, nil
		}
		// not tracked locally, still make sure it is gone remotely
		if err := s.gw.DeleteSession(ctx, id); err != nil {
			return nil, s.fail("delete session", id, "", err)
		}
		return nil, nil
	}
	index := s.indexOf(id)
	backup := e.session.Clone()
	if e.temp {
		s.cancelled[id] = struct{}{}
		s.removeLocked(id)
		s.changed(id)
		s.mu.Unlock()
		return nil, nil
	}
	w := s.watches[id]
	delete(s.watches, id)
	s.deleted[id] = struct{}{}
	s.removeLocked(id)
	gen := s.gen
	s.changed(id)
	s.mu.Unlock()

	if w != nil {
		for _, stop := range w.stop {
			stop()
		}
	}

	if backup.Tabs == nil {
		// Undo needs the tabs and they are gone once the delete lands, so
		// the remote delete waits for this fetch, at most undoFetchTimeout.
		// Without them undo recreates an empty session.
		fetchCtx, cancel := context.WithTimeout(ctx, undoFetchTimeout)
		tabs, err := s.gw.RestoreRequest(fetchCtx, id)
		cancel()
		if err == nil {
			backup.Tabs = tabs
		} else {
			s.log.Debug("could not fetch tabs for undo", "session", id, "err", err)
		}
	}

	err := s.gw.DeleteSession(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, err
	}
	if err != nil {
		delete(s.deleted, id)
		return nil, s.fail("delete session", id, "", err)
	}
	token := s.offerUndoLocked(&undoRecord{
		token:   UndoToken{Kind: UndoSession, Label: backup.Name, SessionID: id},
		session: backup,
		index:   index,
	})
	s.notify(Notice{
		Level:     LevelInfo,
		Op:        "delete session",
		Message:   "Deleted \"" + backup.Name + "\"",
		SessionID: id,
		Undo:      &token,
	})
	s.log.Info("session deleted", "session", id)
	return &token, nil
}

// AddTab appends a tab to a session.
func (s *Store) AddTab(ctx context.Context, sessionID string, draft models.TabDraft) (models.Tab, error) {
	return s.addTab(ctx, sessionID, draft, -1)
}

func (s *Store) addTab(ctx context.Context, sessionID string, draft models.TabDraft, at int) (models.Tab, error) {
	if strings.TrimSpace(draft.URL) == "" {
		err := models.NewError(models.KindInvalid, "add tab", "url is required", nil)
		return models.Tab{}, s.fail("add tab", sessionID, "", err)
	}

	s.mu.Lock()
	e := s.entries[sessionID]
	if e == nil {
		s.mu.Unlock()
		err := models.NewError(models.KindNotFound, "add tab", "session not found", nil)
		return models.Tab{}, s.fail("add tab", sessionID, "", err)
	}
	if e.temp {
		s.mu.Unlock()
		err := models.NewError(models.KindInvalid, "add tab", "session is still being saved", nil)
		return models.Tab{}, s.fail("add tab", sessionID, "", err)
	}
	now := s.opts.Clock()
	tempID := newTempID()
	if e.session.Tabs != nil {
		tab := models.Tab{
			ID:          tempID,
			SessionID:   sessionID,
			Title:       draft.Title,
			URL:         draft.URL,
			TabIndex:    draft.TabIndex,
			WindowIndex: draft.WindowIndex,
			CreatedAt:   now,
		}
		e.session.Tabs = insertTab(e.session.Tabs, tab, at)
	}
	if now.After(e.session.UpdatedAt) {
		e.session.UpdatedAt = now
	}
	gen := s.gen
	s.changed(sessionID)
	s.mu.Unlock()

	created, err := s.gw.AddTab(ctx, sessionID, draft)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return created, err
	}
	_, cancelled := s.cancelled[tempID]
	delete(s.cancelled, tempID)
	e = s.entries[sessionID]

	if err != nil {
		if e != nil {
			if i := e.session.TabIndexOf(tempID); i >= 0 {
				e.session.Tabs = append(e.session.Tabs[:i], e.session.Tabs[i+1:]...)
			}
			s.changed(sessionID)
		}
		s.mu.Unlock()
		return models.Tab{}, s.fail("add tab", sessionID, "", err)
	}

	if cancelled {
		s.mu.Unlock()
		if derr := s.gw.DeleteTab(context.WithoutCancel(ctx), created.ID); derr != nil {
			s.log.Warn("failed to delete cancelled tab", "tab", created.ID, "err", derr)
		}
		return created, nil
	}
	if e != nil && e.session.Tabs != nil {
		i := e.session.TabIndexOf(tempID)
		tombstoned := s.tombstoned(created.ID)
		if !tombstoned {
			s.confirmLocked(created.ID)
		}
		switch {
		case tombstoned || e.session.TabIndexOf(created.ID) >= 0:
			// the feed was faster, or the tab is already gone again
			if i >= 0 {
				e.session.Tabs = append(e.session.Tabs[:i], e.session.Tabs[i+1:]...)
			}
		case i >= 0:
			e.session.Tabs[i] = created
		default:
			e.session.Tabs = append(e.session.Tabs, created)
		}
		s.changed(sessionID)
	} else if e != nil && e.loading > 0 {
		e.buffered = append(e.buffered, bufferedEvent{kind: bufInsert, tab: created})
	}
	s.mu.Unlock()
	return created, nil
}

func insertTab(tabs []models.Tab, tab models.Tab, at int) []models.Tab {
	if at < 0 || at >= len(tabs) {
		return append(tabs, tab)
	}
	tabs = append(tabs, models.Tab{})
	copy(tabs[at+1:], tabs[at:])
	tabs[at] = tab
	return tabs
}

// UpdateTab edits a tab locally, then remotely; failure restores it.
func (s *Store) UpdateTab(ctx context.Context, tabID string, patch models.TabPatch) (models.Tab, error) {
	if patch.IsEmpty() {
		err := models.NewError(models.KindInvalid, "update tab", "nothing to update", nil)
		return models.Tab{}, s.fail("update tab", "", tabID, err)
	}
	if patch.URL != nil && strings.TrimSpace(*patch.URL) == "" {
		err := models.NewError(models.KindInvalid, "update tab", "url is required", nil)
		return models.Tab{}, s.fail("update tab", "", tabID, err)
	}

	s.mu.Lock()
	e, i := s.findTabLocked(tabID)
	if e == nil {
		s.mu.Unlock()
		err := models.NewError(models.KindNotFound, "update tab", "tab not found", nil)
		return models.Tab{}, s.fail("update tab", "", tabID, err)
	}
	if isTemp(tabID) {
		s.mu.Unlock()
		err := models.NewError(models.KindInvalid, "update tab", "tab is still being saved", nil)
		return models.Tab{}, s.fail("update tab", e.session.ID, tabID, err)
	}
	sessionID := e.session.ID
	prior := e.session.Tabs[i]
	e.session.Tabs[i] = patch.Apply(prior)
	s.seq++
	seq := s.seq
	s.tabEdits[tabID] = seq
	gen := s.gen
	s.changed(sessionID)
	s.mu.Unlock()

	updated, err := s.gw.UpdateTab(ctx, tabID, patch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return updated, err
	}
	mine := s.tabEdits[tabID] == seq
	if mine {
		delete(s.tabEdits, tabID)
	}
	e, i = s.findTabLocked(tabID)
	if err != nil {
		if e != nil && mine {
			current := e.session.Tabs[i]
			if patch.Title != nil {
				current.Title = prior.Title
			}
			if patch.URL != nil {
				current.URL = prior.URL
			}
			if patch.TabIndex != nil {
				current.TabIndex = prior.TabIndex
			}
			if patch.WindowIndex != nil {
				current.WindowIndex = prior.WindowIndex
			}
			e.session.Tabs[i] = current
			s.changed(sessionID)
		}
		return models.Tab{}, s.fail("update tab", sessionID, tabID, err)
	}
	if e == nil {
		return updated, nil
	}
	if mine && updated.URL != "" {
		e.session.Tabs[i] = updated
	}
	s.changed(sessionID)
	return e.session.Tabs[i], nil
}

// DeleteTab removes a tab locally, then remotely. Like DeleteSession, a
// failure is reported and not rolled back.
func (s *Store) DeleteTab(ctx context.Context, tabID string) (*UndoToken, error) {
	s.mu.Lock()
	e, i := s.findTabLocked(tabID)
	if e == nil {
		s.mu.Unlock()
		if isTemp(tabID) {
			return nil, nil
		}
		if err := s.gw.DeleteTab(ctx, tabID); err != nil {
			return nil, s.fail("delete tab", "", tabID, err)
		}
		return nil, nil
	}
	sessionID := e.session.ID
	backup := e.session.Tabs[i]
	e.session.Tabs = append(e.session.Tabs[:i], e.session.Tabs[i+1:]...)
	if isTemp(tabID) {
		s.cancelled[tabID] = struct{}{}
		s.changed(sessionID)
		s.mu.Unlock()
		return nil, nil
	}
	s.tombstoneLocked(sessionID, tabID)
	gen := s.gen
	s.changed(sessionID)
	s.mu.Unlock()

	err := s.gw.DeleteTab(ctx, tabID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, err
	}
	if err != nil {
		delete(s.tombstones, tabID)
		return nil, s.fail("delete tab", sessionID, tabID, err)
	}
	label := backup.Title
	if label == "" {
		label = backup.URL
	}
	token := s.offerUndoLocked(&undoRecord{
		token: UndoToken{Kind: UndoTab, Label: label, SessionID: sessionID},
		tab:   backup,
		index: i,
	})
	s.notify(Notice{
		Level:     LevelInfo,
		Op:        "delete tab",
		Message:   "Removed \"" + label + "\"",
		SessionID: sessionID,
		TabID:     tabID,
		Undo:      &token,
	})
	return &token, nil
}

func (s *Store) offerUndoLocked(u *undoRecord) UndoToken {
	u.token.ID = uuid.New().String()
	u.token.ExpiresAt = s.opts.Clock().Add(s.opts.UndoWindow)
	s.undo[u.token.ID] = u
	id := u.token.ID
	u.timer = time.AfterFunc(s.opts.UndoWindow, func() {
		s.mu.Lock()
		current := s.undo[id] == u
		if current {
			delete(s.undo, id)
		}
		s.mu.Unlock()
		if current {
			s.bus.publish(Event{Type: EventUndoExpired, SessionID: u.token.SessionID, UndoID: id})
		}
	})
	return u.token
}

// Undo recreates what a delete removed. The recreated session or tab gets a
// new id. Tokens are single use.
func (s *Store) Undo(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	u := s.undo[tokenID]
	if u == nil || s.opts.Clock().After(u.token.ExpiresAt) {
		if u != nil {
			delete(s.undo, tokenID)
			u.timer.Stop()
		}
		s.mu.Unlock()
		return ErrUndoExpired
	}
	delete(s.undo, tokenID)
	u.timer.Stop()
	s.mu.Unlock()

	switch u.token.Kind {
	case UndoSession:
		drafts := make([]models.TabDraft, 0, len(u.session.Tabs))
		for _, t := range u.session.Tabs {
			drafts = append(drafts, t.Draft())
		}
		created, err := s.createSession(ctx, u.session.Name, u.session.IsWindowSession, drafts, u.index)
		if err != nil {
			return err
		}
		if u.session.IsStarred {
			if _, err := s.SetStarred(ctx, created.ID, true); err != nil {
				return err
			}
		}
		s.log.Info("session restored by undo", "old", u.session.ID, "session", created.ID)
		return nil
	case UndoTab:
		created, err := s.addTab(ctx, u.tab.SessionID, u.tab.Draft(), u.index)
		if err != nil {
			return err
		}
		s.log.Info("tab restored by undo", "old", u.tab.ID, "tab", created.ID)
		return nil
	}
	return ErrUndoExpired
}
