package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/database"
	"tab-session-sync/pkg/middleware"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

type recordedChange struct {
	sessionID string
	change    realtime.Change
}

type publisher struct {
	mu      sync.Mutex
	changes []recordedChange
}

func (p *publisher) PublishChange(sessionID string, change realtime.Change) {
	p.mu.Lock()
	p.changes = append(p.changes, recordedChange{sessionID: sessionID, change: change})
	p.mu.Unlock()
}

func (p *publisher) list() []recordedChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedChange(nil), p.changes...)
}

func request(method, target, body, userID string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if userID != "" {
		r = r.WithContext(context.WithValue(r.Context(), middleware.UserContextKey, &models.Credential{UserID: userID}))
	}
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var rows []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return rows
}

func setup(t *testing.T) (*database.MemoryDatabase, *SessionHandler, *TabHandler, *publisher, string) {
	t.Helper()
	cfg := &config.Config{Environment: "development"}
	db := database.NewMemoryDatabase()
	pub := &publisher{}
	s := &models.Session{Name: "Work", OwnerID: "owner"}
	if err := db.CreateSession(s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return db, NewSessionHandler(cfg, db, pub), NewTabHandler(cfg, db, pub), pub, s.ID
}

func TestCreateSessionValidatesAndPublishes(t *testing.T) {
	_, sessions, _, pub, _ := setup(t)

	w := httptest.NewRecorder()
	sessions.CreateSession(w, request(http.MethodPost, "/rest/v1/sessions", `{"name":"  "}`, "owner"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank name status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	sessions.CreateSession(w, request(http.MethodPost, "/rest/v1/sessions", `{"name":"Fresh","owner_id":"someone-else"}`, "owner"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign owner status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	sessions.CreateSession(w, request(http.MethodPost, "/rest/v1/sessions", `{"name":"Fresh","is_window_session":true}`, "owner"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	rows := decode(t, w)
	if len(rows) != 1 || rows[0]["name"] != "Fresh" || rows[0]["owner_id"] != "owner" {
		t.Fatalf("rows = %+v", rows)
	}
	changes := pub.list()
	if len(changes) != 1 || changes[0].change.Type != realtime.ChangeInsert || changes[0].change.Table != "sessions" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestTabsRespectRoles(t *testing.T) {
	db, _, tabs, pub, sessionID := setup(t)
	if err := db.AddCollaborator(&models.Collaborator{SessionID: sessionID, UserID: "viewer", Role: models.RoleViewer}); err != nil {
		t.Fatalf("collaborator: %v", err)
	}
	body := `[{"session_id":"` + sessionID + `","url":"https://a","tab_index":0}]`

	w := httptest.NewRecorder()
	tabs.CreateTabs(w, request(http.MethodPost, "/rest/v1/tabs", body, "viewer"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	tabs.CreateTabs(w, request(http.MethodPost, "/rest/v1/tabs", body, "stranger"))
	if w.Code != http.StatusConflict {
		t.Fatalf("stranger status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	tabs.CreateTabs(w, request(http.MethodPost, "/rest/v1/tabs", body, "owner"))
	if w.Code != http.StatusCreated {
		t.Fatalf("owner status = %d: %s", w.Code, w.Body)
	}
	tabID, _ := decode(t, w)[0]["id"].(string)

	w = httptest.NewRecorder()
	tabs.ListTabs(w, request(http.MethodGet, "/rest/v1/tabs?session_id=eq."+sessionID, "", "viewer"))
	if rows := decode(t, w); len(rows) != 1 || rows[0]["id"] != tabID {
		t.Fatalf("viewer list = %+v", rows)
	}

	// invisible tabs behave like zero rows
	r := request(http.MethodDelete, "/rest/v1/tabs?id=eq."+tabID, "", "stranger")
	w = httptest.NewRecorder()
	tabs.DeleteTab(w, r)
	if w.Code != http.StatusOK || len(decode(t, w)) != 0 {
		t.Fatalf("stranger delete = %d %s", w.Code, w.Body)
	}

	r = request(http.MethodDelete, "/rest/v1/tabs?id=eq."+tabID, "", "owner")
	r.Header.Set("Prefer", "return=minimal")
	w = httptest.NewRecorder()
	tabs.DeleteTab(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("owner delete = %d", w.Code)
	}

	var kinds []string
	for _, c := range pub.list() {
		kinds = append(kinds, c.change.Type)
	}
	if strings.Join(kinds, ",") != "INSERT,DELETE" {
		t.Fatalf("changes = %v", kinds)
	}
	if last := pub.list()[1].change; last.OldRecord["id"] != tabID {
		t.Fatalf("delete change = %+v", last)
	}
}

func TestUpdateSessionUnknownIsZeroRows(t *testing.T) {
	_, sessions, _, _, sessionID := setup(t)

	w := httptest.NewRecorder()
	sessions.UpdateSession(w, request(http.MethodPatch, "/rest/v1/sessions?id=eq.missing", `{"is_starred":true}`, "owner"))
	if w.Code != http.StatusOK || len(decode(t, w)) != 0 {
		t.Fatalf("missing = %d %s", w.Code, w.Body)
	}

	w = httptest.NewRecorder()
	sessions.UpdateSession(w, request(http.MethodPatch, "/rest/v1/sessions?id=eq."+sessionID, `{"is_starred":true}`, "owner"))
	rows := decode(t, w)
	if len(rows) != 1 || rows[0]["is_starred"] != true {
		t.Fatalf("update = %+v", rows)
	}
}

func TestParseQueryOnlySupportsEq(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/rest/v1/sessions?id=eq.s1&select=*,tabs(*)&order=updated_at.desc", nil)
	q, err := parseQuery(r, "id")
	if err != nil {
		t.Fatalf("parseQuery: %v", err)
	}
	if q.filters["id"] != "s1" || !q.embedsTabs() {
		t.Fatalf("query = %+v", q)
	}

	r = httptest.NewRequest(http.MethodGet, "/rest/v1/sessions?id=gt.s1", nil)
	if _, err := parseQuery(r, "id"); err == nil {
		t.Fatal("expected unsupported operator error")
	}
	r = httptest.NewRequest(http.MethodGet, "/rest/v1/sessions?name=eq.x", nil)
	if _, err := parseQuery(r, "id"); err == nil {
		t.Fatal("expected unsupported column error")
	}
}

func TestListSessionsOrderStarredAndCollaborators(t *testing.T) {
	db, sessions, _, _, workID := setup(t)
	for _, s := range []*models.Session{
		{Name: "beta", OwnerID: "owner", IsStarred: true},
		{Name: "Alpha", OwnerID: "owner", IsStarred: true},
	} {
		if err := db.CreateSession(s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := db.AddCollaborator(&models.Collaborator{SessionID: workID, UserID: "viewer", Role: models.RoleViewer}); err != nil {
		t.Fatalf("collaborator: %v", err)
	}

	w := httptest.NewRecorder()
	sessions.ListSessions(w, request(http.MethodGet, "/rest/v1/sessions?select=*,collaborators(user_id,role)&order=name.asc", "", "owner"))
	rows := decode(t, w)
	var names []string
	for _, row := range rows {
		names = append(names, row["name"].(string))
	}
	if strings.Join(names, ",") != "Alpha,beta,Work" {
		t.Fatalf("order = %v", names)
	}
	if c, _ := rows[2]["collaborators"].([]interface{}); len(c) != 1 {
		t.Fatalf("collaborators = %+v", rows[2]["collaborators"])
	}
	if _, ok := rows[0]["tabs"]; ok {
		t.Fatalf("tabs were not selected")
	}

	w = httptest.NewRecorder()
	sessions.ListSessions(w, request(http.MethodGet, "/rest/v1/sessions?is_starred=eq.true&order=name.desc", "", "owner"))
	rows = decode(t, w)
	if len(rows) != 2 || rows[0]["name"] != "beta" {
		t.Fatalf("starred = %+v", rows)
	}
	if _, ok := rows[0]["collaborators"]; ok {
		t.Fatalf("collaborators were not selected")
	}

	for _, target := range []string{
		"/rest/v1/sessions?order=tab_count.desc",
		"/rest/v1/sessions?order=name.sideways",
		"/rest/v1/sessions?is_starred=eq.maybe",
	} {
		w = httptest.NewRecorder()
		sessions.ListSessions(w, request(http.MethodGet, target, "", "owner"))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", target, w.Code)
		}
	}
}
