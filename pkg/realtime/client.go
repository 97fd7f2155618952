package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/models"
)

// State of one subscription.
type State string

const (
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateDisconnected State = "disconnected"
	// StateDegraded is reported once the subscription has failed
	// DegradedAfter times in a row. Retries continue silently and the state
	// holds until the next successful join or Close.
	StateDegraded State = "degraded"
	StateClosed   State = "closed"
)

// Defaults.
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 30 * time.Second
	DefaultDegradedAfter = 3
	DefaultHeartbeat     = 25 * time.Second
	DefaultDialTimeout   = 10 * time.Second
)

// Handlers receive the events of a session subscription. Nil handlers are skipped.
// All callbacks of one subscription run on the same goroutine.
type Handlers struct {
	OnTabInserted    func(models.Tab)
	OnTabUpdated     func(models.Tab)
	OnTabDeleted     func(tabID string)
	OnSessionUpdated func(models.RemoteSessionPatch)
	OnSessionDeleted func(sessionID string)
	OnBroadcast      func(event string, payload json.RawMessage)
	OnState          func(State)
}

// PresenceHandlers receive presence updates. OnSync always carries the full set.
type PresenceHandlers struct {
	OnSync  func([]models.PresenceMember)
	OnJoin  func(models.PresenceMember)
	OnLeave func(models.PresenceMember)
	OnState func(State)
}

// Options configures a Client.
type Options struct {
	APIKey        string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	DegradedAfter int
	Heartbeat     time.Duration
	DialTimeout   time.Duration
	Logger        pslog.Logger
}

// Client maintains one websocket per joined topic and reconnects with
// exponential backoff until the subscription is closed.
type Client struct {
	url   string
	creds auth.CredentialSource
	opts  Options
	log   pslog.Logger

	mu       sync.Mutex
	sessions map[string]*subscription
	presence map[string]*subscription
	all      map[*subscription]struct{}
	closed   bool
}

// NewClient creates a feed client for the realtime endpoint at rawURL
// (ws:// or wss://).
func NewClient(rawURL string, creds auth.CredentialSource, opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = DefaultBackoffMax
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = DefaultDegradedAfter
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	return &Client{
		url:      rawURL,
		creds:    creds,
		opts:     opts,
		log:      opts.Logger.With("component", "realtime"),
		sessions: make(map[string]*subscription),
		presence: make(map[string]*subscription),
		all:      make(map[*subscription]struct{}),
	}
}

// Join subscribes to tab and session changes of one session. Joining a
// session that is already joined closes the previous subscription first.
// The returned function unsubscribes; calling it after a newer Join for the
// same session is a no-op.
func (c *Client) Join(sessionID string, h Handlers) func() {
	sub := newSubscription(c, SessionTopic(sessionID), sessionID, false)
	sub.handlers = h
	return c.start(c.sessions, sessionID, sub)
}

// JoinPresence tracks user in the presence topic of a session.
func (c *Client) JoinPresence(sessionID string, user models.PresenceUser, h PresenceHandlers) func() {
	sub := newSubscription(c, PresenceTopic(sessionID), sessionID, true)
	sub.presenceHandlers = h
	sub.user = user
	return c.start(c.presence, sessionID, sub)
}

func (c *Client) start(index map[string]*subscription, sessionID string, sub *subscription) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.cancel()
		close(sub.done)
		return func() {}
	}
	old := index[sessionID]
	index[sessionID] = sub
	c.all[sub] = struct{}{}
	c.mu.Unlock()

	if old != nil {
		c.log.Debug("replacing subscription", "topic", sub.topic)
		old.cancel()
	}
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if index[sessionID] == sub {
				delete(index, sessionID)
			}
			c.mu.Unlock()
			sub.cancel()
		})
	}
}

// Broadcast sends an ephemeral event to the other members of a session
// channel. It is dropped when the session is not currently subscribed.
func (c *Client) Broadcast(sessionID, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	c.mu.Lock()
	sub := c.sessions[sessionID]
	c.mu.Unlock()
	if sub == nil {
		c.log.Debug("broadcast dropped", "session", sessionID, "event", event, "reason", "not joined")
		return nil
	}
	body := EnvelopePayload{Type: EventBroadcast, Event: event, Payload: raw}
	if err := sub.send(EventBroadcast, body); err != nil {
		c.log.Debug("broadcast dropped", "session", sessionID, "event", event, "err", err)
	}
	return nil
}

// State returns the state of the session subscription, or StateClosed.
func (c *Client) State(sessionID string) State {
	c.mu.Lock()
	sub := c.sessions[sessionID]
	c.mu.Unlock()
	if sub == nil {
		return StateClosed
	}
	return sub.currentState()
}

// Close stops every subscription and waits for them to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.all))
	for sub := range c.all {
		subs = append(subs, sub)
	}
	c.sessions = make(map[string]*subscription)
	c.presence = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
	return nil
}

func (c *Client) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.all, sub)
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context, cred models.Credential) (net.Conn, io.Reader, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if c.opts.APIKey != "" {
		q.Set("apikey", c.opts.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.BearerToken)
	if c.opts.APIKey != "" {
		header.Set("apikey", c.opts.APIKey)
	}
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: c.opts.DialTimeout,
	}
	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, nil, err
	}
	if br != nil {
		return conn, br, nil
	}
	return conn, conn, nil
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt and capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
