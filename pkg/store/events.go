package store

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventChanged: the snapshot changed, re-read Sessions().
	EventChanged EventType = "changed"
	// EventNotice carries a user-facing notice.
	EventNotice EventType = "notice"
	// EventFeed carries a feed state change of a watched session.
	EventFeed EventType = "feed"
	// EventPresence: the presence set of a watched session changed.
	EventPresence EventType = "presence"
	// EventUndoExpired: an undo token is no longer usable.
	EventUndoExpired EventType = "undo_expired"
)

// Level 通知级别
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// UndoKind 可撤销的操作类型
type UndoKind string

const (
	UndoSession UndoKind = "session"
	UndoTab     UndoKind = "tab"
)

// UndoToken 撤销凭据，在 ExpiresAt 之前有效
type UndoToken struct {
	ID        string    `json:"id"`
	Kind      UndoKind  `json:"kind"`
	Label     string    `json:"label"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Notice 给用户看的提示（失败原因或可撤销的删除）
type Notice struct {
	Level     Level
	Op        string
	Message   string
	Err       error
	SessionID string
	TabID     string
	Undo      *UndoToken
}

// Event is published to every subscriber of the store.
type Event struct {
	Type      EventType
	SessionID string
	Notice    *Notice
	FeedState realtime.State
	Presence  []models.PresenceMember
	UndoID    string
}

// notifier fans events out to subscribers without blocking the store.
type notifier struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

func newNotifier(logger pslog.Logger) *notifier {
	return &notifier{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

func (n *notifier) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, n.depth)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	count := len(n.subs)
	n.mu.Unlock()
	n.log.Debug("store subscribe", "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *notifier) publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dropped := 0
	for sub := range n.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		n.log.Debug("store events dropped", "type", event.Type, "count", dropped)
	}
}
