package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

type stubBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r recordedRequest)
}

func (s *stubBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body), Header: r.Header.Clone()}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()
	s.handler(w, rec)
}

func (s *stubBackend) calls() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func newStub(t *testing.T, handler func(w http.ResponseWriter, r recordedRequest)) (*RESTGateway, *stubBackend) {
	t.Helper()
	stub := &stubBackend{handler: handler}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	gw := New(srv.URL, "anon-key", auth.Static{BearerToken: "token-1", UserID: "user-1"}, Options{Timeout: 2 * time.Second})
	return gw, stub
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestListSessionsSendsHeadersAndMapsRows(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, http.StatusOK, `[
			{"id":"s2","name":"B","updated_at":"2024-01-02T00:00:00Z","tabs":[{"id":"t1","url":"https://x","title":null,"tab_index":1},{"id":"t0","url":"https://y","tab_index":0}]},
			{"id":"s1","name":"A","updated_at":"2024-01-01T00:00:00Z"}
		]`)
	})

	sessions, err := gw.ListSessions(context.Background(), models.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].Tabs[0].ID != "t0" || sessions[0].Tabs[1].SessionID != "s2" {
		t.Fatalf("tabs not ordered or back-referenced: %+v", sessions[0].Tabs)
	}
	if sessions[1].Tabs == nil {
		t.Fatalf("listed sessions should have loaded tabs")
	}

	req := stub.calls()[0]
	if req.Path != "/rest/v1/sessions" || !strings.Contains(req.Query, "order=updated_at.desc") || !strings.Contains(req.Query, "tabs(") {
		t.Fatalf("unexpected request: %s?%s", req.Path, req.Query)
	}
	if req.Header.Get("apikey") != "anon-key" || req.Header.Get("Authorization") != "Bearer token-1" {
		t.Fatalf("missing auth headers: %v", req.Header)
	}
	if req.Header.Get("Prefer") != "return=representation" {
		t.Fatalf("missing Prefer header")
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"message":"JWT expired"}`, models.ErrUnauthorized},
		{http.StatusForbidden, ``, models.ErrUnauthorized},
		{http.StatusNotFound, ``, models.ErrNotFound},
		{http.StatusNotAcceptable, `{"code":"PGRST116","message":"no rows"}`, models.ErrNotFound},
		{http.StatusBadRequest, `{"code":"22P02","message":"bad uuid"}`, models.ErrInvalid},
		{http.StatusUnprocessableEntity, ``, models.ErrInvalid},
		{http.StatusConflict, `{"code":"23505","message":"duplicate key"}`, models.ErrConflict},
		{http.StatusBadRequest, `{"code":"23505"}`, models.ErrConflict},
		{http.StatusInternalServerError, `oops`, models.ErrUnavailable},
		{http.StatusServiceUnavailable, ``, models.ErrUnavailable},
		{http.StatusTooManyRequests, ``, models.ErrUnavailable},
		{http.StatusRequestTimeout, ``, models.ErrUnavailable},
	}
	for _, tc := range cases {
		gw, _ := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
			writeJSON(w, tc.status, tc.body)
		})
		_, err := gw.GetSession(context.Background(), "s1")
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d body %q: got %v, want kind of %v", tc.status, tc.body, err, tc.want)
		}
	}
}

func TestNoCredentialFailsBeforeIO(t *testing.T) {
	stub := &stubBackend{handler: func(w http.ResponseWriter, r recordedRequest) { writeJSON(w, 200, `[]`) }}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	gw := New(srv.URL, "k", auth.NewManager(), Options{})
	if _, err := gw.ListSessions(context.Background(), models.ListOptions{}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := gw.CreateSession(context.Background(), "x", false, nil); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if n := len(stub.calls()); n != 0 {
		t.Fatalf("expected no requests, got %d", n)
	}
}

func TestTransportFailureAndTimeoutAreUnavailable(t *testing.T) {
	gw := New("http://127.0.0.1:1", "k", auth.Static{BearerToken: "t"}, Options{Timeout: time.Second})
	if err := gw.DeleteTab(context.Background(), "t1"); !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	gw = New(srv.URL, "k", auth.Static{BearerToken: "t"}, Options{Timeout: 50 * time.Millisecond})
	if _, err := gw.ListSessions(context.Background(), models.ListOptions{}); !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("expected unavailable on timeout, got %v", err)
	}
}

func TestEmptyAndNonJSONSuccessBodies(t *testing.T) {
	gw, _ := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPatch:
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "OK")
		}
	})
	if err := gw.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("204 delete should succeed: %v", err)
	}
	name := "renamed"
	s, err := gw.UpdateSession(context.Background(), "s1", models.SessionPatch{Name: &name})
	if err != nil {
		t.Fatalf("non-json 2xx should succeed: %v", err)
	}
	if s.ID != "s1" {
		t.Fatalf("expected id echo, got %+v", s)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	gw, _ := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, http.StatusNotFound, `{"message":"gone"}`)
	})
	if err := gw.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("not found delete should succeed: %v", err)
	}
	if err := gw.DeleteTab(context.Background(), "t1"); err != nil {
		t.Fatalf("not found delete should succeed: %v", err)
	}
}

func TestUpdateSessionValidation(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, http.StatusOK, `[]`)
	})
	if _, err := gw.UpdateSession(context.Background(), "s1", models.SessionPatch{}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("empty patch: %v", err)
	}
	blank := "  "
	if _, err := gw.UpdateSession(context.Background(), "s1", models.SessionPatch{Name: &blank}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("blank name: %v", err)
	}
	if len(stub.calls()) != 0 {
		t.Fatalf("validation failures must not reach the backend")
	}
	starred := true
	if _, err := gw.UpdateSession(context.Background(), "missing", models.SessionPatch{IsStarred: &starred}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("zero rows should be not found: %v", err)
	}
	body := stub.calls()[0].Body
	if !strings.Contains(body, `"is_starred":true`) || !strings.Contains(body, `"updated_at"`) || strings.Contains(body, `"name"`) {
		t.Fatalf("unexpected patch body: %s", body)
	}
}

func TestCreateSessionPartialFailure(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		switch r.Path {
		case "/rest/v1/sessions":
			writeJSON(w, http.StatusCreated, `[{"id":"s-new","name":"Research","owner_id":"user-1"}]`)
		case "/rest/v1/tabs":
			writeJSON(w, http.StatusInternalServerError, `{"message":"disk full"}`)
		}
	})
	_, err := gw.CreateSession(context.Background(), "Research", false, []models.TabDraft{{URL: "https://a"}})
	var partial *models.PartialCreateError
	if !errors.As(err, &partial) || partial.SessionID != "s-new" {
		t.Fatalf("expected partial create error, got %v", err)
	}
	if !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("partial error should carry tab failure kind")
	}
	calls := stub.calls()
	if len(calls) != 2 || !strings.Contains(calls[0].Body, `"owner_id":"user-1"`) || !strings.Contains(calls[1].Body, `"session_id":"s-new"`) {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestCreateSessionRejectsInvalidInput(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) { writeJSON(w, 201, `[]`) })
	if _, err := gw.CreateSession(context.Background(), "  ", false, nil); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := gw.CreateSession(context.Background(), "n", false, []models.TabDraft{{Title: "x"}}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("missing url: %v", err)
	}
	if _, err := gw.AddTab(context.Background(), "s1", models.TabDraft{}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("missing url: %v", err)
	}
	if len(stub.calls()) != 0 {
		t.Fatalf("validation failures must not reach the backend")
	}
}

func TestAddTabForeignKeyIsNotFound(t *testing.T) {
	gw, _ := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, http.StatusConflict, `{"code":"23503","message":"violates foreign key constraint"}`)
	})
	if _, err := gw.AddTab(context.Background(), "gone", models.TabDraft{URL: "https://a"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecodeRowsShapes(t *testing.T) {
	if rows := decodeRows([]byte(`{"success":true,"data":[{"id":"a"},{"id":"b"}]}`)); len(rows) != 2 {
		t.Fatalf("envelope: %v", rows)
	}
	if rows := decodeRows([]byte(`{"id":"a","data":"x"}`)); len(rows) != 1 || rows[0]["id"] != "a" {
		t.Fatalf("single object: %v", rows)
	}
	if rows := decodeRows([]byte(`[]`)); rows == nil || len(rows) != 0 {
		t.Fatalf("empty array should be non-nil and empty")
	}
	if rows := decodeRows([]byte(``)); rows != nil {
		t.Fatalf("empty body should be nil")
	}
	if rows := decodeRows([]byte(`<html>`)); rows != nil {
		t.Fatalf("non-json should be nil")
	}
}

func TestAcceptInvite(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		switch {
		case r.Path == "/rest/v1/invites" && r.Method == http.MethodGet:
			if strings.Contains(r.Query, "USED0000") {
				writeJSON(w, 200, `[{"id":"i2","session_id":"s1","role":"VIEWER","used":true}]`)
				return
			}
			if strings.Contains(r.Query, "OLD00000") {
				writeJSON(w, 200, `[{"id":"i3","session_id":"s1","role":"VIEWER","expires_at":"2000-01-01T00:00:00Z"}]`)
				return
			}
			if strings.Contains(r.Query, "DUPE0000") {
				writeJSON(w, 200, `[{"id":"i4","session_id":"s2","role":"VIEWER"}]`)
				return
			}
			if strings.Contains(r.Query, "GOOD0000") {
				writeJSON(w, 200, `[{"id":"i1","session_id":"s1","role":"EDITOR","used":false}]`)
				return
			}
			writeJSON(w, 200, `[]`)
		case r.Path == "/rest/v1/collaborators":
			if strings.Contains(r.Body, `"s2"`) {
				writeJSON(w, 409, `{"code":"23505","message":"duplicate key value"}`)
				return
			}
			writeJSON(w, 201, `[{"id":"c1","session_id":"s1","user_id":"user-1","role":"EDITOR"}]`)
		case r.Path == "/rest/v1/invites" && r.Method == http.MethodPatch:
			writeJSON(w, 500, `{"message":"ignored"}`)
		}
	})

	ctx := context.Background()
	c, err := gw.AcceptInvite(ctx, "good0000")
	if err != nil || c.Role != models.RoleEditor || c.SessionID != "s1" {
		t.Fatalf("accept: %+v %v", c, err)
	}
	var marked bool
	for _, call := range stub.calls() {
		if call.Method == http.MethodPatch && strings.Contains(call.Query, "id=eq.i1") && strings.Contains(call.Body, `"used":true`) {
			marked = true
		}
	}
	if !marked {
		t.Fatalf("invite should be marked used")
	}
	if _, err := gw.AcceptInvite(ctx, "NOPE0000"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("bad code: %v", err)
	}
	if _, err := gw.AcceptInvite(ctx, "USED0000"); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("used code: %v", err)
	}
	if _, err := gw.AcceptInvite(ctx, "OLD00000"); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("expired code: %v", err)
	}
	if _, err := gw.AcceptInvite(ctx, "DUPE0000"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate collaborator: %v", err)
	}
}

func TestCreateInviteRejectsOwnerRole(t *testing.T) {
	gw, _ := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, 201, `[{"id":"i1","session_id":"s1","invite_code":"ABCDEFGH","role":"VIEWER"}]`)
	})
	if _, err := gw.CreateInvite(context.Background(), "s1", models.RoleOwner, nil); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("owner invites must be rejected: %v", err)
	}
	inv, err := gw.CreateInvite(context.Background(), "s1", models.RoleViewer, nil)
	if err != nil || inv.Code != "ABCDEFGH" {
		t.Fatalf("create invite: %+v %v", inv, err)
	}
}

func TestListSessionsOptionsAndOwnership(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		writeJSON(w, http.StatusOK, `[
			{"id":"s1","name":"Mine","owner_id":"user-1","is_starred":true,"collaborators":[{"user_id":"u2","role":"EDITOR"}]},
			{"id":"s2","name":"Shared","owner_id":"user-9","is_starred":true,"collaborators":[]}
		]`)
	})

	starred := true
	sessions, err := gw.ListSessions(context.Background(), models.ListOptions{SortBy: models.SortName, Ascending: true, Starred: &starred})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !sessions[0].IsOwner || sessions[1].IsOwner {
		t.Fatalf("ownership = %v %v", sessions[0].IsOwner, sessions[1].IsOwner)
	}
	if sessions[0].CollaboratorCount != 1 || sessions[1].CollaboratorCount != 0 {
		t.Fatalf("collaborator counts = %d %d", sessions[0].CollaboratorCount, sessions[1].CollaboratorCount)
	}
	q := stub.calls()[0].Query
	for _, want := range []string{"order=name.asc", "is_starred=eq.true", "collaborators(user_id,role)"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query %q missing %q", q, want)
		}
	}

	if _, err := gw.ListSessions(context.Background(), models.ListOptions{SortBy: "tab_count"}); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("unknown sort field: %v", err)
	}
	if len(stub.calls()) != 1 {
		t.Fatalf("invalid options should fail before IO")
	}
}

func TestAddCollaborator(t *testing.T) {
	gw, stub := newStub(t, func(w http.ResponseWriter, r recordedRequest) {
		if strings.Contains(r.Body, `"u-dupe"`) {
			writeJSON(w, 409, `{"code":"23505","message":"duplicate key value"}`)
			return
		}
		writeJSON(w, 201, `[{"id":"c7","session_id":"s1","user_id":"u2","role":"VIEWER"}]`)
	})
	ctx := context.Background()

	c, err := gw.AddCollaborator(ctx, "s1", "u2", models.RoleViewer)
	if err != nil || c.ID != "c7" || c.Role != models.RoleViewer {
		t.Fatalf("add: %+v %v", c, err)
	}
	req := stub.calls()[0]
	if req.Method != http.MethodPost || req.Path != "/rest/v1/collaborators" || !strings.Contains(req.Body, `"user_id":"u2"`) {
		t.Fatalf("request = %+v", req)
	}
	if _, err := gw.AddCollaborator(ctx, "s1", "u2", models.RoleOwner); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("owner role: %v", err)
	}
	if _, err := gw.AddCollaborator(ctx, "s1", "", models.RoleEditor); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("empty user: %v", err)
	}
	if _, err := gw.AddCollaborator(ctx, "s1", "u-dupe", models.RoleEditor); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}
}
