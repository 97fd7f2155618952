package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/models"
)

var errChannelClosed = errors.New("channel closed by server")

type subscription struct {
	client    *Client
	topic     string
	sessionID string
	presence  bool
	log       pslog.Logger

	handlers         Handlers
	presenceHandlers PresenceHandlers
	user             models.PresenceUser

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ref    atomic.Uint64

	mu      sync.Mutex
	state   State
	conn    net.Conn
	joinRef string
	writeMu sync.Mutex

	// presence key -> metas, only touched by the run goroutine
	members map[string][]PresenceMeta
}

func newSubscription(c *Client, topic, sessionID string, presence bool) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		client:    c,
		topic:     topic,
		sessionID: sessionID,
		presence:  presence,
		log:       c.log.With("topic", topic),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		members:   make(map[string][]PresenceMeta),
	}
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.client.forget(s)

	failures := 0
	for {
		s.setState(StateConnecting)
		joined, err := s.connect()
		s.dropPresence()
		if s.ctx.Err() != nil {
			s.setState(StateClosed)
			return
		}
		if joined {
			failures = 0
		}
		failures++

		delay := Backoff(s.client.opts.BackoffBase, s.client.opts.BackoffMax, failures)
		s.log.Debug("feed disconnected", "failures", failures, "retry_in", delay, "err", err)
		if failures >= s.client.opts.DegradedAfter {
			if failures == s.client.opts.DegradedAfter {
				s.log.Warn("feed degraded", "failures", failures, "err", err)
			}
			s.setState(StateDegraded)
		} else {
			s.setState(StateDisconnected)
		}

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(StateClosed)
			return
		case <-timer.C:
		}
	}
}

// connect runs one connection window. joined reports whether the join was
// acknowledged before the connection ended.
func (s *subscription) connect() (joined bool, err error) {
	cred, err := s.client.creds.Credential(s.ctx)
	if err != nil {
		return false, err
	}
	conn, r, err := s.client.dial(s.ctx, cred)
	if err != nil {
		return false, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	joinRef := s.nextRef()
	s.mu.Lock()
	s.conn = conn
	s.joinRef = joinRef
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.joinRef = ""
		s.mu.Unlock()
	}()

	if err := s.write(Message{Topic: s.topic, Event: EventJoin, Ref: joinRef, JoinRef: joinRef}, s.joinPayload(cred)); err != nil {
		return false, err
	}
	go s.heartbeat(stop)

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			return joined, err
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("feed frame ignored", "err", err)
			continue
		}

		if msg.Event == EventReply && msg.Ref == joinRef {
			var reply ReplyPayload
			_ = json.Unmarshal(msg.Payload, &reply)
			if reply.Status != "ok" {
				return false, fmt.Errorf("join rejected: %s", string(reply.Response))
			}
			joined = true
			s.setState(StateSubscribed)
			if s.presence {
				if err := s.track(); err != nil {
					return joined, err
				}
			}
			continue
		}
		if msg.Topic != s.topic {
			continue
		}
		switch msg.Event {
		case EventClose, EventError:
			return joined, errChannelClosed
		case EventReply:
			continue
		}
		if joined {
			s.dispatch(msg)
		}
	}
}

func (s *subscription) joinPayload(cred models.Credential) JoinPayload {
	p := JoinPayload{AccessToken: cred.BearerToken}
	if s.presence {
		key := s.user.UserID
		if key == "" {
			key = cred.UserID
		}
		p.Config.Presence = &PresenceConfig{Key: key}
		return p
	}
	p.Config.Broadcast = &BroadcastConfig{Self: false}
	p.Config.PostgresChanges = []ChangeFilter{
		{Event: "*", Schema: "public", Table: "tabs", Filter: "session_id=eq." + s.sessionID},
		{Event: "*", Schema: "public", Table: "sessions", Filter: "id=eq." + s.sessionID},
	}
	return p
}

func (s *subscription) track() error {
	user := s.user
	meta := PresenceMeta{
		UserID:   user.UserID,
		Name:     user.Name,
		Email:    user.Email,
		OnlineAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.send(EventPresence, EnvelopePayload{Type: EventPresence, Event: "track", Payload: raw})
}

func (s *subscription) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(s.client.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := s.write(Message{Topic: PhoenixTopic, Event: EventHeartbeat, Ref: s.nextRef()}, struct{}{})
			if err != nil {
				s.log.Debug("heartbeat failed", "err", err)
				s.mu.Lock()
				if s.conn != nil {
					s.conn.Close()
				}
				s.mu.Unlock()
				return
			}
		}
	}
}

// send writes a frame on the live connection of this subscription.
func (s *subscription) send(event string, payload interface{}) error {
	s.mu.Lock()
	joinRef := s.joinRef
	subscribed := s.state == StateSubscribed
	s.mu.Unlock()
	if !subscribed {
		return errors.New("not subscribed")
	}
	return s.write(Message{Topic: s.topic, Event: event, Ref: s.nextRef(), JoinRef: joinRef}, payload)
}

func (s *subscription) write(msg Message, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg.Payload = raw
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientText(conn, data)
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *subscription) setState(st State) {
	s.mu.Lock()
	// 降级后保持降级，直到重新订阅成功或关闭
	if s.state == st || (s.state == StateDegraded && st != StateSubscribed && st != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if s.presence {
		if fn := s.presenceHandlers.OnState; fn != nil {
			fn(st)
		}
		return
	}
	if fn := s.handlers.OnState; fn != nil {
		fn(st)
	}
}

func (s *subscription) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *subscription) dispatch(msg Message) {
	switch msg.Event {
	case EventChanges:
		var p ChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.log.Debug("change ignored", "err", err)
			return
		}
		s.dispatchChange(p.Data)
	case EventBroadcast:
		var p EnvelopePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if fn := s.handlers.OnBroadcast; fn != nil && !s.presence {
			fn(p.Event, p.Payload)
		}
	case EventPresState:
		if !s.presence {
			return
		}
		var state map[string]PresenceEntry
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			return
		}
		s.members = make(map[string][]PresenceMeta, len(state))
		for key, entry := range state {
			s.members[key] = append([]PresenceMeta(nil), entry.Metas...)
		}
		s.syncPresence()
	case EventPresDiff:
		if !s.presence {
			return
		}
		var diff PresenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			return
		}
		s.applyDiff(diff)
	}
}

func (s *subscription) dispatchChange(ch Change) {
	if s.presence {
		return
	}
	h := s.handlers
	switch ch.Table {
	case "tabs":
		switch ch.Type {
		case ChangeInsert, ChangeUpdate:
			tab := models.MapTabRow(ch.Record, "")
			if tab.ID == "" || (tab.SessionID != "" && tab.SessionID != s.sessionID) {
				return
			}
			if tab.SessionID == "" {
				tab.SessionID = s.sessionID
			}
			if ch.Type == ChangeInsert && h.OnTabInserted != nil {
				h.OnTabInserted(tab)
			}
			if ch.Type == ChangeUpdate && h.OnTabUpdated != nil {
				h.OnTabUpdated(tab)
			}
		case ChangeDelete:
			id := rowID(ch.OldRecord)
			if id == "" {
				id = rowID(ch.Record)
			}
			if id != "" && h.OnTabDeleted != nil {
				h.OnTabDeleted(id)
			}
		}
	case "sessions":
		switch ch.Type {
		case ChangeUpdate:
			patch := models.MapSessionPatch(ch.Record)
			if patch.ID == "" {
				patch.ID = s.sessionID
			}
			if patch.ID == s.sessionID && h.OnSessionUpdated != nil {
				h.OnSessionUpdated(patch)
			}
		case ChangeDelete:
			id := rowID(ch.OldRecord)
			if id == "" {
				id = s.sessionID
			}
			if id == s.sessionID && h.OnSessionDeleted != nil {
				h.OnSessionDeleted(id)
			}
		}
	}
}

func (s *subscription) applyDiff(diff PresenceDiff) {
	h := s.presenceHandlers
	for key, entry := range diff.Joins {
		for _, meta := range entry.Metas {
			s.members[key] = append(removeMeta(s.members[key], meta.PhxRef), meta)
			if h.OnJoin != nil {
				h.OnJoin(toMember(key, meta))
			}
		}
	}
	for key, entry := range diff.Leaves {
		for _, meta := range entry.Metas {
			s.members[key] = removeMeta(s.members[key], meta.PhxRef)
			if len(s.members[key]) == 0 {
				delete(s.members, key)
			}
			if h.OnLeave != nil {
				h.OnLeave(toMember(key, meta))
			}
		}
	}
	s.syncPresence()
}

func (s *subscription) syncPresence() {
	if fn := s.presenceHandlers.OnSync; fn != nil {
		fn(flattenMembers(s.members))
	}
}

// dropPresence forgets the presence set when the connection ends.
func (s *subscription) dropPresence() {
	if !s.presence || len(s.members) == 0 {
		return
	}
	s.members = make(map[string][]PresenceMeta)
	s.syncPresence()
}

func removeMeta(metas []PresenceMeta, phxRef string) []PresenceMeta {
	if phxRef == "" {
		return nil
	}
	out := metas[:0:0]
	for _, m := range metas {
		if m.PhxRef != phxRef {
			out = append(out, m)
		}
	}
	return out
}

func flattenMembers(members map[string][]PresenceMeta) []models.PresenceMember {
	out := make([]models.PresenceMember, 0, len(members))
	for key, metas := range members {
		for _, meta := range metas {
			out = append(out, toMember(key, meta))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].OnlineAt.Before(out[j].OnlineAt)
	})
	return out
}

func toMember(key string, meta PresenceMeta) models.PresenceMember {
	userID := meta.UserID
	if userID == "" {
		userID = key
	}
	return models.PresenceMember{
		Key:      key,
		UserID:   userID,
		Name:     meta.Name,
		Email:    meta.Email,
		OnlineAt: models.ParseTime(meta.OnlineAt),
	}
}

func rowID(row map[string]interface{}) string {
	if row == nil {
		return ""
	}
	switch v := row["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
