package realtime

import (
	"encoding/json"
	"strings"
)

// Channel events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
	EventChanges   = "postgres_changes"
	EventBroadcast = "broadcast"
	EventPresence  = "presence"
	EventPresState = "presence_state"
	EventPresDiff  = "presence_diff"

	// PhoenixTopic carries heartbeats.
	PhoenixTopic = "phoenix"
)

// Change types carried by postgres_changes.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

const (
	sessionTopicPrefix  = "realtime:session:"
	presenceTopicPrefix = "realtime:presence:"
)

// Message is one websocket frame.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// ReplyPayload is the payload of phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ChangePayload is the payload of postgres_changes.
type ChangePayload struct {
	Data Change `json:"data"`
}

// Change describes one row change.
type Change struct {
	Type            string                 `json:"type"`
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	Record          map[string]interface{} `json:"record,omitempty"`
	OldRecord       map[string]interface{} `json:"old_record,omitempty"`
	CommitTimestamp string                 `json:"commit_timestamp"`
}

// EnvelopePayload wraps broadcast and presence client messages.
type EnvelopePayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceMeta is one tracked presence entry.
type PresenceMeta struct {
	PhxRef   string `json:"phx_ref,omitempty"`
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	OnlineAt string `json:"online_at,omitempty"`
}

// PresenceEntry groups the metas of one presence key.
type PresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

// PresenceDiff is the payload of presence_diff.
type PresenceDiff struct {
	Joins  map[string]PresenceEntry `json:"joins"`
	Leaves map[string]PresenceEntry `json:"leaves"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinConfig selects what the channel carries.
type JoinConfig struct {
	PostgresChanges []ChangeFilter  `json:"postgres_changes,omitempty"`
	Presence        *PresenceConfig `json:"presence,omitempty"`
	Broadcast       *BroadcastConfig `json:"broadcast,omitempty"`
}

// ChangeFilter subscribes to row changes of one table.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// PresenceConfig sets the presence key.
type PresenceConfig struct {
	Key string `json:"key"`
}

// BroadcastConfig controls broadcast echo.
type BroadcastConfig struct {
	Self bool `json:"self"`
}

// SessionTopic is the change/broadcast topic of a session.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

// PresenceTopic is the presence topic of a session.
func PresenceTopic(sessionID string) string {
	return presenceTopicPrefix + sessionID
}

// ParseTopic splits a topic into its kind ("session" or "presence") and session id.
func ParseTopic(topic string) (kind, sessionID string, ok bool) {
	switch {
	case strings.HasPrefix(topic, sessionTopicPrefix):
		return "session", strings.TrimPrefix(topic, sessionTopicPrefix), true
	case strings.HasPrefix(topic, presenceTopicPrefix):
		return "presence", strings.TrimPrefix(topic, presenceTopicPrefix), true
	}
	return "", "", false
}

// Encode marshals a message with the payload built from v.
func Encode(topic, event, ref string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Topic: topic, Event: event, Payload: payload, Ref: ref})
}
