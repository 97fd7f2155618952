package realtime_test

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/hub"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

type testServer struct {
	hub *hub.Hub
	url string
}

// newTestServer runs a hub behind httptest. The bearer token doubles as the user id.
func newTestServer(t *testing.T, authorize hub.Authorizer) *testServer {
	t.Helper()
	h := hub.New(nil, authorize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		h.Serve(r.Context(), conn, user)
	}))
	t.Cleanup(func() {
		h.DisconnectAll()
		srv.Close()
	})
	return &testServer{hub: h, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func newClient(t *testing.T, url, user string) *realtime.Client {
	t.Helper()
	c := realtime.NewClient(url, auth.Static{BearerToken: user, UserID: user}, realtime.Options{
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
		DegradedAfter: 3,
		Heartbeat:     time.Second,
		DialTimeout:   time.Second,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

type recorder struct {
	mu       sync.Mutex
	states   []realtime.State
	inserted []models.Tab
	updated  []models.Tab
	deleted  []string
	patches  []models.RemoteSessionPatch
	removed  []string
	events   []string
	members  []models.PresenceMember
}

func (r *recorder) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnTabInserted:    func(t models.Tab) { r.lock(func() { r.inserted = append(r.inserted, t) }) },
		OnTabUpdated:     func(t models.Tab) { r.lock(func() { r.updated = append(r.updated, t) }) },
		OnTabDeleted:     func(id string) { r.lock(func() { r.deleted = append(r.deleted, id) }) },
		OnSessionUpdated: func(p models.RemoteSessionPatch) { r.lock(func() { r.patches = append(r.patches, p) }) },
		OnSessionDeleted: func(id string) { r.lock(func() { r.removed = append(r.removed, id) }) },
		OnBroadcast: func(event string, _ json.RawMessage) {
			r.lock(func() { r.events = append(r.events, event) })
		},
		OnState: func(s realtime.State) { r.lock(func() { r.states = append(r.states, s) }) },
	}
}

func (r *recorder) presenceHandlers() realtime.PresenceHandlers {
	return realtime.PresenceHandlers{
		OnSync: func(m []models.PresenceMember) { r.lock(func() { r.members = m }) },
		OnState: func(s realtime.State) {
			r.lock(func() { r.states = append(r.states, s) })
		},
	}
}

func (r *recorder) lock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (r *recorder) sawState(s realtime.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recorder) count(fn func() int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinDeliversChanges(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(t, srv.url, "alice")

	var rec recorder
	c.Join("s1", rec.handlers())
	eventually(t, "subscribed", func() bool { return rec.sawState(realtime.StateSubscribed) })
	if st := c.State("s1"); st != realtime.StateSubscribed {
		t.Fatalf("expected subscribed, got %s", st)
	}

	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeInsert, Table: "tabs", Record: map[string]interface{}{
		"id": "t1", "session_id": "s1", "title": "Docs", "url": "https://go.dev", "tab_index": 0, "window_index": 0,
	}})
	// rows of another session on this topic are ignored
	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeInsert, Table: "tabs", Record: map[string]interface{}{
		"id": "tx", "session_id": "s2", "url": "https://example.com",
	}})
	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeUpdate, Table: "tabs", Record: map[string]interface{}{
		"id": "t1", "session_id": "s1", "title": "Go", "url": "https://go.dev", "tab_index": 0, "window_index": 0,
	}})
	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeDelete, Table: "tabs", OldRecord: map[string]interface{}{"id": "t1"}})
	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeUpdate, Table: "sessions", Record: map[string]interface{}{
		"id": "s1", "name": "Research", "updated_at": "2024-05-01T10:00:00Z",
	}})
	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeDelete, Table: "sessions", OldRecord: map[string]interface{}{"id": "s1"}})

	eventually(t, "session delete", func() bool { return rec.count(func() int { return len(rec.removed) }) == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.inserted) != 1 || rec.inserted[0].ID != "t1" || rec.inserted[0].Title != "Docs" {
		t.Fatalf("unexpected inserts: %+v", rec.inserted)
	}
	if len(rec.updated) != 1 || rec.updated[0].Title != "Go" {
		t.Fatalf("unexpected updates: %+v", rec.updated)
	}
	if len(rec.deleted) != 1 || rec.deleted[0] != "t1" {
		t.Fatalf("unexpected deletes: %v", rec.deleted)
	}
	if len(rec.patches) != 1 || rec.patches[0].Name == nil || *rec.patches[0].Name != "Research" {
		t.Fatalf("unexpected session patches: %+v", rec.patches)
	}
	if rec.patches[0].IsStarred != nil {
		t.Fatalf("absent field should stay nil")
	}
	if rec.patches[0].UpdatedAt == nil || !rec.patches[0].UpdatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at: %v", rec.patches[0].UpdatedAt)
	}
}

func TestRejoinReplacesSubscription(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(t, srv.url, "alice")

	var first, second recorder
	unsubFirst := c.Join("s1", first.handlers())
	eventually(t, "first subscribed", func() bool { return first.sawState(realtime.StateSubscribed) })

	c.Join("s1", second.handlers())
	eventually(t, "second subscribed", func() bool { return second.sawState(realtime.StateSubscribed) })
	eventually(t, "old socket dropped", func() bool { return srv.hub.Subscribers(realtime.SessionTopic("s1")) == 1 })

	// the stale unsubscribe must not tear down the replacement
	unsubFirst()
	if st := c.State("s1"); st != realtime.StateSubscribed {
		t.Fatalf("replacement subscription affected by stale unsubscribe: %s", st)
	}

	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeInsert, Table: "tabs", Record: map[string]interface{}{
		"id": "t9", "session_id": "s1", "url": "https://example.com",
	}})
	eventually(t, "insert on replacement", func() bool { return second.count(func() int { return len(second.inserted) }) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := first.count(func() int { return len(first.inserted) }); n != 0 {
		t.Fatalf("replaced subscription still received %d inserts", n)
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(t, srv.url, "alice")

	var rec recorder
	c.Join("s1", rec.handlers())
	eventually(t, "subscribed", func() bool { return rec.sawState(realtime.StateSubscribed) })

	srv.hub.DisconnectAll()
	eventually(t, "disconnected", func() bool { return rec.sawState(realtime.StateDisconnected) })
	eventually(t, "resubscribed", func() bool {
		return c.State("s1") == realtime.StateSubscribed && srv.hub.Subscribers(realtime.SessionTopic("s1")) == 1
	})

	srv.hub.PublishChange("s1", realtime.Change{Type: realtime.ChangeDelete, Table: "tabs", OldRecord: map[string]interface{}{"id": "t1"}})
	eventually(t, "delete after reconnect", func() bool { return rec.count(func() int { return len(rec.deleted) }) == 1 })
}

func TestRejectedJoinDegrades(t *testing.T) {
	srv := newTestServer(t, func(userID, sessionID string) bool { return false })
	c := newClient(t, srv.url, "mallory")

	var rec recorder
	c.Join("s1", rec.handlers())
	eventually(t, "degraded", func() bool { return rec.sawState(realtime.StateDegraded) })
	if rec.sawState(realtime.StateSubscribed) {
		t.Fatalf("rejected join must never report subscribed")
	}
	if !rec.sawState(realtime.StateDisconnected) {
		t.Fatalf("expected disconnected before degraded")
	}
}

func TestUnreachableBackendDegrades(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newClient(t, "ws://"+addr+"/realtime/v1/websocket", "alice")
	var rec recorder
	c.Join("s1", rec.handlers())
	eventually(t, "degraded", func() bool { return rec.sawState(realtime.StateDegraded) })

	// several more retries at BackoffMax
	time.Sleep(300 * time.Millisecond)
	rec.mu.Lock()
	states := append([]realtime.State(nil), rec.states...)
	rec.mu.Unlock()
	degraded := 0
	for i, st := range states {
		if st != realtime.StateDegraded {
			continue
		}
		degraded++
		if rest := states[i+1:]; len(rest) > 0 {
			t.Fatalf("states after degraded = %v", rest)
		}
	}
	if degraded != 1 {
		t.Fatalf("degraded reported %d times: %v", degraded, states)
	}
	if st := c.State("s1"); st != realtime.StateDegraded {
		t.Fatalf("state = %s", st)
	}
}

func TestCloseStopsSubscriptions(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newClient(t, srv.url, "alice")

	var rec recorder
	c.Join("s1", rec.handlers())
	eventually(t, "subscribed", func() bool { return rec.sawState(realtime.StateSubscribed) })

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !rec.sawState(realtime.StateClosed) {
		t.Fatalf("expected closed state after Close")
	}
	if st := c.State("s1"); st != realtime.StateClosed {
		t.Fatalf("expected closed, got %s", st)
	}

	var late recorder
	c.Join("s2", late.handlers())
	time.Sleep(30 * time.Millisecond)
	if late.sawState(realtime.StateConnecting) {
		t.Fatalf("join after Close must not connect")
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := newClient(t, srv.url, "alice")
	bob := newClient(t, srv.url, "bob")

	var ra, rb recorder
	alice.Join("s1", ra.handlers())
	bob.Join("s1", rb.handlers())
	eventually(t, "both subscribed", func() bool {
		return ra.sawState(realtime.StateSubscribed) && rb.sawState(realtime.StateSubscribed)
	})

	if err := alice.Broadcast("s1", "tab_focus", map[string]string{"tab": "t1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob hears broadcast", func() bool { return rb.count(func() int { return len(rb.events) }) == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := ra.count(func() int { return len(ra.events) }); n != 0 {
		t.Fatalf("sender received its own broadcast")
	}

	// not joined: dropped without error
	if err := alice.Broadcast("nope", "tab_focus", nil); err != nil {
		t.Fatalf("broadcast on unjoined session: %v", err)
	}
}

func TestPresenceTracksMembers(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := newClient(t, srv.url, "alice")
	bob := newClient(t, srv.url, "bob")

	var ra, rb recorder
	alice.JoinPresence("s1", models.PresenceUser{UserID: "alice", Name: "Alice"}, ra.presenceHandlers())
	eventually(t, "alice sees herself", func() bool {
		return ra.count(func() int { return len(ra.members) }) == 1
	})

	leave := bob.JoinPresence("s1", models.PresenceUser{UserID: "bob", Name: "Bob"}, rb.presenceHandlers())
	eventually(t, "both see two members", func() bool {
		return ra.count(func() int { return len(ra.members) }) == 2 && rb.count(func() int { return len(rb.members) }) == 2
	})

	ra.mu.Lock()
	keys := []string{ra.members[0].Key, ra.members[1].Key}
	name := ra.members[0].Name
	ra.mu.Unlock()
	if keys[0] != "alice" || keys[1] != "bob" || name != "Alice" {
		t.Fatalf("unexpected members: %v (%s)", keys, name)
	}

	leave()
	eventually(t, "bob left", func() bool {
		return ra.count(func() int { return len(ra.members) }) == 1
	})
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := realtime.Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestParseTopic(t *testing.T) {
	kind, id, ok := realtime.ParseTopic(realtime.PresenceTopic("abc"))
	if !ok || kind != "presence" || id != "abc" {
		t.Fatalf("unexpected parse: %s %s %v", kind, id, ok)
	}
	if _, _, ok := realtime.ParseTopic("phoenix"); ok {
		t.Fatalf("phoenix is not a session topic")
	}
}
