package hub

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/realtime"
)

// Authorizer reports whether a user may join the channels of a session.
type Authorizer func(userID, sessionID string) bool

// Hub fans realtime frames out to websocket connections per topic.
type Hub struct {
	mu        sync.Mutex
	topics    map[string]map[*Conn]struct{}
	presence  map[string]map[*Conn]presenceEntry
	conns     map[*Conn]struct{}
	authorize Authorizer
	log       pslog.Logger
	seq       uint64
	depth     int
}

type presenceEntry struct {
	key  string
	meta realtime.PresenceMeta
}

// Conn is one connected client.
type Conn struct {
	hub       *Hub
	userID    string
	raw       net.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New constructs a hub. A nil authorizer admits every authenticated user.
func New(logger pslog.Logger, authorize Authorizer) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if authorize == nil {
		authorize = func(string, string) bool { return true }
	}
	return &Hub{
		topics:    make(map[string]map[*Conn]struct{}),
		presence:  make(map[string]map[*Conn]presenceEntry),
		conns:     make(map[*Conn]struct{}),
		authorize: authorize,
		log:       logger.With("component", "hub"),
		depth:     256,
	}
}

// Serve reads frames from raw until the connection ends.
func (h *Hub) Serve(ctx context.Context, raw net.Conn, userID string) {
	c := &Conn{
		hub:    h,
		userID: userID,
		raw:    raw,
		send:   make(chan []byte, h.depth),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.log.Debug("hub connect", "user", userID, "conns", count)

	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.closed:
		}
	}()
	defer func() {
		h.drop(c)
		c.close()
	}()

	for {
		data, op, err := wsutil.ReadClientData(raw)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("hub frame ignored", "user", userID, "err", err)
			continue
		}
		h.handle(c, msg)
	}
}

func (h *Hub) handle(c *Conn, msg realtime.Message) {
	switch msg.Event {
	case realtime.EventHeartbeat:
		c.reply(msg, "ok", nil)
	case realtime.EventJoin:
		h.join(c, msg)
	case realtime.EventLeave:
		h.leave(c, msg.Topic)
		c.reply(msg, "ok", nil)
	case realtime.EventPresence:
		h.track(c, msg)
	case realtime.EventBroadcast:
		h.broadcast(c, msg)
	default:
		c.reply(msg, "error", map[string]string{"reason": "unknown event " + msg.Event})
	}
}

func (h *Hub) join(c *Conn, msg realtime.Message) {
	kind, sessionID, ok := realtime.ParseTopic(msg.Topic)
	if !ok || sessionID == "" {
		c.reply(msg, "error", map[string]string{"reason": "unknown topic"})
		return
	}
	if !h.authorize(c.userID, sessionID) {
		h.log.Info("hub join rejected", "user", c.userID, "topic", msg.Topic)
		c.reply(msg, "error", map[string]string{"reason": "unauthorized"})
		return
	}

	h.mu.Lock()
	subs := h.topics[msg.Topic]
	if subs == nil {
		subs = make(map[*Conn]struct{})
		h.topics[msg.Topic] = subs
	}
	subs[c] = struct{}{}
	var state map[string]realtime.PresenceEntry
	if kind == "presence" {
		state = presenceStateLocked(h.presence[msg.Topic])
	}
	h.mu.Unlock()

	c.reply(msg, "ok", map[string]interface{}{})
	if kind == "presence" {
		c.push(msg.Topic, realtime.EventPresState, state)
	}
}

func (h *Hub) leave(c *Conn, topic string) {
	h.mu.Lock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	leaves, targets := h.untrackLocked(c, topic)
	h.mu.Unlock()
	h.sendDiff(topic, nil, leaves, targets)
}

func (h *Hub) track(c *Conn, msg realtime.Message) {
	var env realtime.EnvelopePayload
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.reply(msg, "error", map[string]string{"reason": "malformed presence payload"})
		return
	}

	h.mu.Lock()
	if _, joined := h.topics[msg.Topic][c]; !joined {
		h.mu.Unlock()
		c.reply(msg, "error", map[string]string{"reason": "not joined"})
		return
	}
	if env.Event == "untrack" {
		leaves, targets := h.untrackLocked(c, msg.Topic)
		h.mu.Unlock()
		c.reply(msg, "ok", nil)
		h.sendDiff(msg.Topic, nil, leaves, targets)
		return
	}

	var meta realtime.PresenceMeta
	_ = json.Unmarshal(env.Payload, &meta)
	if meta.UserID == "" {
		meta.UserID = c.userID
	}
	key := c.userID
	h.seq++
	meta.PhxRef = strconv.FormatUint(h.seq, 10)

	leaves, _ := h.untrackLocked(c, msg.Topic)
	members := h.presence[msg.Topic]
	if members == nil {
		members = make(map[*Conn]presenceEntry)
		h.presence[msg.Topic] = members
	}
	members[c] = presenceEntry{key: key, meta: meta}
	joins := map[string]realtime.PresenceEntry{key: {Metas: []realtime.PresenceMeta{meta}}}
	targets := connsLocked(h.topics[msg.Topic])
	h.mu.Unlock()

	c.reply(msg, "ok", nil)
	for _, t := range targets {
		t.push(msg.Topic, realtime.EventPresDiff, realtime.PresenceDiff{Joins: joins, Leaves: orEmpty(leaves)})
	}
}

func (h *Hub) broadcast(c *Conn, msg realtime.Message) {
	h.mu.Lock()
	subs := h.topics[msg.Topic]
	_, joined := subs[c]
	targets := make([]*Conn, 0, len(subs))
	for t := range subs {
		if t != c {
			targets = append(targets, t)
		}
	}
	h.mu.Unlock()

	if !joined {
		c.reply(msg, "error", map[string]string{"reason": "not joined"})
		return
	}
	for _, t := range targets {
		t.pushRaw(msg.Topic, realtime.EventBroadcast, msg.Payload)
	}
	if msg.Ref != "" {
		c.reply(msg, "ok", nil)
	}
}

// PublishChange delivers a row change to everyone joined to the session topic.
func (h *Hub) PublishChange(sessionID string, change realtime.Change) {
	if change.Schema == "" {
		change.Schema = "public"
	}
	topic := realtime.SessionTopic(sessionID)
	h.mu.Lock()
	targets := connsLocked(h.topics[topic])
	h.mu.Unlock()
	h.log.Debug("hub change", "topic", topic, "table", change.Table, "type", change.Type, "subs", len(targets))
	for _, t := range targets {
		t.push(topic, realtime.EventChanges, realtime.ChangePayload{Data: change})
	}
}

// DisconnectAll drops every connection; clients are expected to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Subscribers returns the number of connections joined to a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) drop(c *Conn) {
	type diff struct {
		topic   string
		leaves  map[string]realtime.PresenceEntry
		targets []*Conn
	}
	var diffs []diff

	h.mu.Lock()
	delete(h.conns, c)
	for topic, subs := range h.topics {
		if _, ok := subs[c]; !ok {
			continue
		}
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
		if leaves, targets := h.untrackLocked(c, topic); len(leaves) > 0 {
			diffs = append(diffs, diff{topic: topic, leaves: leaves, targets: targets})
		}
	}
	count := len(h.conns)
	h.mu.Unlock()

	for _, d := range diffs {
		h.sendDiff(d.topic, nil, d.leaves, d.targets)
	}
	h.log.Debug("hub disconnect", "user", c.userID, "conns", count)
}

// untrackLocked removes the presence entry of c on topic and returns the
// leave set plus the connections that should hear about it.
func (h *Hub) untrackLocked(c *Conn, topic string) (map[string]realtime.PresenceEntry, []*Conn) {
	members := h.presence[topic]
	entry, ok := members[c]
	if !ok {
		return nil, nil
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.presence, topic)
	}
	leaves := map[string]realtime.PresenceEntry{entry.key: {Metas: []realtime.PresenceMeta{entry.meta}}}
	return leaves, connsLocked(h.topics[topic])
}

func (h *Hub) sendDiff(topic string, joins, leaves map[string]realtime.PresenceEntry, targets []*Conn) {
	if len(joins) == 0 && len(leaves) == 0 {
		return
	}
	payload := realtime.PresenceDiff{Joins: orEmpty(joins), Leaves: orEmpty(leaves)}
	for _, t := range targets {
		t.push(topic, realtime.EventPresDiff, payload)
	}
}

func presenceStateLocked(members map[*Conn]presenceEntry) map[string]realtime.PresenceEntry {
	state := make(map[string]realtime.PresenceEntry)
	for _, entry := range members {
		e := state[entry.key]
		e.Metas = append(e.Metas, entry.meta)
		state[entry.key] = e
	}
	return state
}

func connsLocked(subs map[*Conn]struct{}) []*Conn {
	out := make([]*Conn, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

func orEmpty(m map[string]realtime.PresenceEntry) map[string]realtime.PresenceEntry {
	if m == nil {
		return map[string]realtime.PresenceEntry{}
	}
	return m
}

func (c *Conn) reply(msg realtime.Message, status string, response interface{}) {
	var raw json.RawMessage
	if response != nil {
		if b, err := json.Marshal(response); err == nil {
			raw = b
		}
	}
	data, err := json.Marshal(realtime.Message{
		Topic:   msg.Topic,
		Event:   realtime.EventReply,
		Ref:     msg.Ref,
		JoinRef: msg.JoinRef,
		Payload: mustJSON(realtime.ReplyPayload{Status: status, Response: raw}),
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) push(topic, event string, payload interface{}) {
	c.pushRaw(topic, event, mustJSON(payload))
}

func (c *Conn) pushRaw(topic, event string, payload json.RawMessage) {
	data, err := json.Marshal(realtime.Message{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) {
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.hub.log.Warn("hub client too slow, disconnecting", "user", c.userID)
		c.close()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := wsutil.WriteServerText(c.raw, data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.raw.Close()
	})
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
